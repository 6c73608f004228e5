package sessionhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/session"
)

func pass(string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func TestRegisterAndRevoke(t *testing.T) {
	registry := session.NewMemoryRegistry(session.Options{})
	r := chi.NewRouter()
	r.Route("/sessions", func(r chi.Router) {
		NewHandler(nil, registry).MountRoutes(r, pass)
	})
	send := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	const id = "0123456789abcdef0123"
	rec := send(http.MethodPost, "/sessions/", `{"id":"`+id+`","identity_id":"u1","ttl_seconds":3600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	_, err := registry.Validate(context.Background(), id, "u1")
	require.NoError(t, err)

	rec = send(http.MethodPost, "/sessions/", `{"id":"`+id+`","identity_id":"u1","ttl_seconds":3600}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = send(http.MethodPost, "/sessions/", `{"id":"short","identity_id":"u1","ttl_seconds":60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(http.MethodPost, "/sessions/", `{"id":"`+id+`x","identity_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(http.MethodPost, "/sessions/", `{"id":"`+id+`y","identity_id":"u1","ttl_seconds":99999999}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(http.MethodDelete, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err = registry.Validate(context.Background(), id, "u1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Revoked ids stay burned.
	rec = send(http.MethodPost, "/sessions/", `{"id":"`+id+`","identity_id":"u1","ttl_seconds":3600}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
