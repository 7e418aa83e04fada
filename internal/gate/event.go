package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/edgequota/keygate/internal/verify"
)

// maxEventBytes bounds the body of an edge viewer-request event.
const maxEventBytes = 1 << 20

// viewerRequestEvent is the envelope an edge runtime posts for a viewer
// request: {"Records":[{"cf":{"request":{...}}}]}. The request is kept raw
// so a pass can hand it back byte for byte, including fields Request does
// not model.
type viewerRequestEvent struct {
	Records []struct {
		CF struct {
			Request json.RawMessage `json:"request"`
		} `json:"cf"`
	} `json:"Records"`
}

// ShortCircuit is the response an edge runtime returns instead of
// forwarding the request.
type ShortCircuit struct {
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
	Body              string `json:"body"`
}

var errNoRequest = errors.New("event carries no request")

func decodeEvent(r *http.Request) (verify.Request, json.RawMessage, error) {
	var ev viewerRequestEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		return verify.Request{}, nil, err
	}
	if len(ev.Records) == 0 {
		return verify.Request{}, nil, errNoRequest
	}
	raw := ev.Records[0].CF.Request
	if len(raw) == 0 || string(raw) == "null" {
		return verify.Request{}, nil, errNoRequest
	}
	var req verify.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return verify.Request{}, nil, err
	}
	return req, raw, nil
}

// EventHandler serves the edge event endpoint. A pass answers with the
// request descriptor unchanged; a deny answers with a ShortCircuit.
func (g *Gate) EventHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)

		r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
		req, raw, err := decodeEvent(r)
		if err != nil {
			g.logger.Warn("malformed edge event", "error", err, "request_id", reqID)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event: " + err.Error()})
			return
		}

		d := g.Decide(WithRequestID(r.Context(), reqID), req)
		if d.Pass {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
			return
		}
		writeJSON(w, http.StatusOK, ShortCircuit{
			Status:            strconv.Itoa(d.Status),
			StatusDescription: d.StatusDescription,
			Body:              d.Body,
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
