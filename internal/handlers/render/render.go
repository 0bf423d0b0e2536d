// Package render writes JSON replies of the console shell.
//
// Every error reply has the same envelope: machine readable 'error' kind, human 'message',
// backend 'detail' when the accounts api rejected the call and per-field messages on validation failure.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const (
	ValidationErrorType = "validation_failed"
	DecodingErrorType   = "decoding_failed"
	ServiceErrorType    = "service_error"
	BackendErrorType    = "backend_rejected"
)

// MaxBodySize limits request documents accepted by BindAndValidate
const MaxBodySize = 64 << 10

var ErrEmptyBody = errors.New("request body is empty")

var validate = validator.New()

func init() {
	// Report fields by json name, browser code knows nothing about Go struct fields
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type Struct any

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	JSONWithStatus(w, data, http.StatusOK)
}

// JSONWithStatus sends data as json and enforces status code.
// Replies carry session state, so they are never cached
func JSONWithStatus(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// ServiceError reports a failure of the shell itself
func ServiceError(w http.ResponseWriter, message string, code int) {
	JSONWithStatus(w, ErrorResponse{Error: ServiceErrorType, Message: message}, code)
}

// BackendError reports call rejected by the accounts api. Detail goes to the user as is
func BackendError(w http.ResponseWriter, detail string, code int) {
	JSONWithStatus(w, ErrorResponse{
		Error:   BackendErrorType,
		Message: http.StatusText(code),
		Detail:  detail,
	}, code)
}

func DecodeError(w http.ResponseWriter, err error) {
	var (
		tooLarge  *http.MaxBytesError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	code := http.StatusBadRequest
	var message string

	switch {
	case errors.As(err, &tooLarge):
		code = http.StatusRequestEntityTooLarge
		message = fmt.Sprintf("Request body is larger than %d bytes", tooLarge.Limit)
	case errors.Is(err, ErrEmptyBody):
		message = "Request body is empty"
	case errors.As(err, &syntaxErr):
		message = fmt.Sprintf("Malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		message = fmt.Sprintf("Invalid data type for field '%s'", typeErr.Field)
	default:
		message = fmt.Sprintf("Failed to parse JSON: %s", err.Error())
	}

	JSONWithStatus(w, ErrorResponse{Error: DecodingErrorType, Message: message}, code)
}

func ValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: "Request validation failed",
		Fields:  make(map[string]string, len(errs)),
	}

	for _, fe := range errs {
		response.Fields[fe.Field()] = fieldMessage(fe)
	}

	JSONWithStatus(w, response, http.StatusBadRequest)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Value is too short (minimum %s)", fe.Param())
	case "max":
		return fmt.Sprintf("Value is too long (maximum %s)", fe.Param())
	case "email":
		return "Enter a valid email address"
	default:
		return "Invalid value"
	}
}

// BindAndValidate reads JSON document (at most MaxBodySize bytes) into T and validates it by struct tags.
// On failure the error reply is already written
func BindAndValidate[T Struct](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err == nil && len(bytes.TrimSpace(data)) == 0 {
		err = ErrEmptyBody
	}
	if err == nil {
		err = json.Unmarshal(data, &value)
	}
	if err != nil {
		DecodeError(w, err)
		return value, err
	}

	if err := validate.Struct(value); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			ValidationErrors(w, errs)
		} else {
			ServiceError(w, "Request can't be validated", http.StatusInternalServerError)
		}
		return value, err
	}

	return value, nil
}
