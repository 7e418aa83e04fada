package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edgequota/keygate/internal/verify"
)

var errResponseTooLarge = errors.New("authorizer response exceeds size limit")

func (c *Client) requestURL(apiKey, origin string) string {
	u := *c.httpURL
	q := u.Query()
	for name, values := range (verify.Key{APIKey: apiKey, Origin: origin}).Query() {
		q[name] = values
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) verifyHTTP(ctx context.Context, apiKey, origin string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(apiKey, origin), nil)
	if err != nil {
		return failed(fmt.Errorf("create authorizer request: %w", err), 0)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return timedOut(fmt.Errorf("authorizer request: %w", err))
		}
		return failed(fmt.Errorf("authorizer request: %w", err), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		if isTimeout(ctx, err) {
			return timedOut(fmt.Errorf("read authorizer response: %w", err))
		}
		return failed(fmt.Errorf("read authorizer response: %w", err), resp.StatusCode)
	}
	tooLarge := len(body) > maxResponseBytes
	if tooLarge {
		body = body[:maxResponseBytes]
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if tooLarge {
			return failed(errResponseTooLarge, resp.StatusCode)
		}
		var o verify.Outcome
		if err := json.Unmarshal(body, &o); err != nil {
			return failed(fmt.Errorf("decode authorizer response: %w", err), resp.StatusCode)
		}
		if o.Result == "" {
			return failed(errors.New("authorizer response has no result"), resp.StatusCode)
		}
		return verified(o, resp.StatusCode)

	case resp.StatusCode == http.StatusBadRequest:
		return rejected(rejectionMessage(body), resp.StatusCode)

	default:
		return failed(fmt.Errorf("authorizer returned unexpected status %d", resp.StatusCode), resp.StatusCode)
	}
}

// rejectionMessage takes the message field of a JSON 400 body, falling back
// to the raw body text.
func rejectionMessage(body []byte) string {
	var o verify.Outcome
	if err := json.Unmarshal(body, &o); err == nil {
		return o.Message
	}
	return strings.TrimSpace(string(body))
}
