package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nkiryanov/bitguard/internal/handlers/render"
	"github.com/nkiryanov/bitguard/internal/httpclient"
	"github.com/nkiryanov/bitguard/internal/logger"
)

var errInvalidSectionPath = errors.New("invalid product section path")

// sectionPath maps /app/{product}/{rest} to <base>/<product>/<rest>.
// Dot segments are refused in any encoding, so the result never leaves the product's subtree
// and the product checked by the gate is the product called upstream
func sectionPath(r *http.Request, base string) (string, error) {
	product := chi.URLParam(r, "product")
	if product == "" || product == "." || product == ".." || strings.ContainsAny(product, "/%\\") {
		return "", errInvalidSectionPath
	}

	// chi routes on RawPath when it is set, params are still escaped then
	rest := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(rest)
		if err != nil {
			return "", errInvalidSectionPath
		}
		rest = unescaped
	}

	for _, segment := range strings.FieldsFunc(rest, func(c rune) bool { return c == '/' || c == '\\' }) {
		if segment == ".." {
			return "", errInvalidSectionPath
		}
	}

	root := path.Join("/", base, product)
	p := path.Join(root, rest)
	if p != root && !strings.HasPrefix(p, root+"/") {
		return "", errInvalidSectionPath
	}

	// api expects trailing slashes
	if rest == "" || strings.HasSuffix(rest, "/") {
		p += "/"
	}

	return p, nil
}

// NewProductProxy forwards /app/{product}/... to <api>/<product>/... through given transport.
// Pass authenticated transport, so tokens never reach the browser
func NewProductProxy(apiURL string, rt http.RoundTripper, l logger.Logger) (http.Handler, error) {
	target, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q. Err: %w", apiURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid api url %q: scheme and host required", apiURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Checked by the handler below before the proxy runs
			p, _ := sectionPath(pr.In, target.Path)

			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = p
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host

			// Browser credentials of the shell are not for the api
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			if id := chimw.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(httpclient.RequestIDHeader, id)
			}
			pr.SetXForwarded()
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			l.Warn("Product request failed", "path", r.URL.Path, "error", err)
			render.ServiceError(w, "Product service unavailable", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := sectionPath(r, target.Path); err != nil {
			l.Warn("Product path refused", "path", r.URL.EscapedPath())
			render.ServiceError(w, "Invalid product path", http.StatusBadRequest)
			return
		}
		proxy.ServeHTTP(w, r)
	}), nil
}
