// Package verify holds the request-side vocabulary of the API-key gate:
// the edge request descriptor, verification key extraction, and the
// outcome reported by the remote authorizer.
package verify

import (
	"net/http"
	"strings"
)

// HeaderValue is one value of a request header, as delivered in edge
// viewer-request events.
type HeaderValue struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// Request describes an inbound viewer request. Header names are lowercase.
type Request struct {
	URI         string                   `json:"uri"`
	QueryString string                   `json:"querystring"`
	Headers     map[string][]HeaderValue `json:"headers,omitempty"`

	// Method and ClientIP are carried through unchanged so that a pass
	// decision can return the descriptor as received.
	Method   string `json:"method,omitempty"`
	ClientIP string `json:"clientIp,omitempty"`
}

// RequestFromHTTP adapts an incoming HTTP request to a Request.
func RequestFromHTTP(r *http.Request) Request {
	headers := make(map[string][]HeaderValue, len(r.Header))
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			headers[lower] = append(headers[lower], HeaderValue{Key: name, Value: v})
		}
	}
	return Request{
		URI:         r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     headers,
		Method:      r.Method,
	}
}

// FirstHeader returns the first value of the named header, or "".
func (r Request) FirstHeader(name string) string {
	values := r.Headers[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0].Value
}

// IsBypass reports whether uri exactly matches one of the bypass paths.
func IsBypass(uri string, paths []string) bool {
	for _, p := range paths {
		if uri == p {
			return true
		}
	}
	return false
}
