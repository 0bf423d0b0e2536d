package accounts

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// Error is non-2xx api answer. The console does not interpret it, only shows Detail
type Error struct {
	StatusCode int
	Detail     string
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Detail)
}

func (e *Error) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func newError(resp *resty.Response) *Error {
	body := resp.Body()

	return &Error{
		StatusCode: resp.StatusCode(),
		Detail:     detail(body, resp.Status()),
		Body:       body,
	}
}

// detail extracts human message from DRF style error body:
// {"detail": "..."}, {"error": "..."} or {"field": ["msg", ...], ...}
func detail(body []byte, fallback string) string {
	if !gjson.ValidBytes(body) {
		return fallback
	}

	for _, path := range []string{"detail", "error", "non_field_errors.0"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return fallback
	}

	var fields []string
	root.ForEach(func(key, value gjson.Result) bool {
		msg := value.String()
		if value.IsArray() {
			msg = value.Get("0").String()
		}
		fields = append(fields, key.String()+": "+msg)
		return true
	})
	if len(fields) == 0 {
		return fallback
	}
	sort.Strings(fields)

	return strings.Join(fields, "; ")
}
