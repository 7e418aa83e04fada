package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/edgequota/keygate/internal/cache"
	"github.com/edgequota/keygate/internal/verify"
)

// purgeRequest names one cached verification, or every locally cached one.
type purgeRequest struct {
	APIKey string `json:"api_key"`
	Origin string `json:"origin,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// cachePurgeHandler serves POST /v1/cache/purge. It lets operators drop a
// revoked key before its cached outcome expires. "all" clears only the
// local tier of this instance.
func cachePurgeHandler(c cache.Cache, local *cache.LRU, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req purgeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		switch {
		case req.All:
			n := local.Len()
			local.Purge()
			logger.Info("verification cache purged", "entries", n)
			w.WriteHeader(http.StatusNoContent)

		case req.APIKey != "":
			key := verify.Key{APIKey: req.APIKey, Origin: req.Origin}
			if !c.Delete(r.Context(), key.String()) {
				http.Error(w, "not cached", http.StatusNotFound)
				return
			}
			logger.Info("verification cache entry purged", "api_key", key.Redacted(), "origin", key.Origin)
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "api_key or all is required", http.StatusBadRequest)
		}
	})
}
