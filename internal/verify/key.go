package verify

import (
	"errors"
	"net/url"
	"strings"
)

// ErrMissingAPIKey is returned by Extract when the query string has no
// usable api_key parameter.
var ErrMissingAPIKey = errors.New("missing api_key query parameter")

// Query parameter and header names that make up a verification key.
const (
	ParamAPIKey  = "api_key"
	ParamOrigin  = "origin"
	HeaderOrigin = "origin"
)

// Key is the (api_key, origin) pair identifying a cacheable verification.
// Origin is empty when the request had no origin header.
type Key struct {
	APIKey string
	Origin string
}

// Extract reads the api_key parameter from the raw query string and the
// first origin header value. Other parameters and headers are ignored.
func Extract(req Request) (Key, error) {
	// ParseQuery keeps the well-formed pairs when others are malformed.
	params, _ := url.ParseQuery(req.QueryString)
	apiKey := params.Get(ParamAPIKey)
	if apiKey == "" {
		return Key{}, ErrMissingAPIKey
	}
	return Key{APIKey: apiKey, Origin: req.FirstHeader(HeaderOrigin)}, nil
}

// String returns the canonical query-encoded form, api_key first and
// origin second when present:
//
//	api_key=abc&origin=https%3A%2F%2Fexample.com
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(ParamAPIKey)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(k.APIKey))
	if k.Origin != "" {
		b.WriteByte('&')
		b.WriteString(ParamOrigin)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(k.Origin))
	}
	return b.String()
}

// Query returns the key as authorizer query parameters.
func (k Key) Query() url.Values {
	q := url.Values{ParamAPIKey: {k.APIKey}}
	if k.Origin != "" {
		q.Set(ParamOrigin, k.Origin)
	}
	return q
}

// Redacted returns a log-safe form of the key.
func (k Key) Redacted() string {
	return Redact(k.APIKey)
}

// Redact keeps a short prefix of an API key and masks the rest. The prefix
// is at most four characters and never more than a third of the key; keys
// of four characters or fewer are fully masked.
func Redact(apiKey string) string {
	visible := min(4, len(apiKey)/3)
	if len(apiKey) <= 4 || visible == 0 {
		return "****"
	}
	return apiKey[:visible] + "****"
}
