package httpclient

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const defaultTimeout = 15 * time.Second

// NewRestyClient builds api client on top of given transport.
// Pass *Transport to get authenticated client, or nil to get a bare one
func NewRestyClient(baseURL string, rt http.RoundTripper, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	if rt != nil {
		c.SetTransport(rt)
	}

	return c
}
