package audithttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const exportRateLimit = 10
const exportRateWindow = time.Minute

// MountRoutes registers the security event timeline and CSV export.
// guard wraps every route; pass the access gate requirement for security.read.
func (h *Handler) MountRoutes(r chi.Router, guard func(http.Handler) http.Handler) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		if guard != nil {
			gr.Use(guard)
		}
		gr.Get("/events", h.handleTimeline)
		gr.With(limiter).Get("/events.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if identity := strings.TrimSpace(r.Header.Get("X-Identity-ID")); identity != "" {
		return "identity:" + identity, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
