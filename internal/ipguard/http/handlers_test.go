package ipguardhttp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/ipguard"
)

func pass(string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func TestBlocklistRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := ipguard.NewGuard(nil, nil, ipguard.Options{Store: ipguard.NewRedisBlocklistStore(client)})
	r := chi.NewRouter()
	r.Route("/blocklist", func(r chi.Router) {
		NewHandler(nil, guard).MountRoutes(r, pass)
	})

	send := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	rec := send(http.MethodPost, "/blocklist/", `{"entry":"203.0.113.0/24"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = send(http.MethodPost, "/blocklist/", `{"entry":"198.51.100.9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = send(http.MethodPost, "/blocklist/", `{"entry":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.False(t, guard.IsAllowed(t.Context(), "203.0.113.55"))
	members, err := mr.Members("accessgate:blocklist")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"203.0.113.0/24", "198.51.100.9"}, members)

	rec = send(http.MethodGet, "/blocklist/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":["198.51.100.9","203.0.113.0/24"]}`, rec.Body.String())

	rec = send(http.MethodDelete, "/blocklist/203.0.113.0/24", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = send(http.MethodDelete, "/blocklist/203.0.113.0/24", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, guard.IsAllowed(t.Context(), "203.0.113.55"))
}
