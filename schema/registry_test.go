package schema

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPRegistryFetchAndCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "/subjects/validated/versions/latest", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Schema{
			Subject:  "validated",
			Required: []string{"vote_id", "status"},
		})
	}))
	defer server.Close()

	registry := NewHTTPRegistry(server.URL)
	ctx := context.Background()

	s, err := registry.Schema(ctx, "validated")
	require.NoError(t, err)
	require.Equal(t, []string{"vote_id", "status"}, s.Required)

	// Schemas are immutable per version; the second lookup is served from
	// cache.
	_, err = registry.Schema(ctx, "validated")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPRegistryErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewHTTPRegistry(server.URL)
	_, err := registry.Schema(context.Background(), "validated")
	require.Error(t, err)

	// Unreachable host.
	down := NewHTTPRegistry("http://127.0.0.1:1")
	_, err = down.Schema(context.Background(), "validated")
	require.Error(t, err)
	require.Error(t, down.Healthy(context.Background()))
}

func TestHTTPRegistryHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subjects" {
			_ = json.NewEncoder(w).Encode([]string{"validated"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewHTTPRegistry(server.URL)
	require.NoError(t, registry.Healthy(context.Background()))
}
