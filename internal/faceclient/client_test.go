package faceclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeattend/internal/attendance"
	"edgeattend/internal/faceclient"
)

func TestIdentify(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		matches []faceclient.SearchMatch
	)
	setMatches := func(m ...faceclient.SearchMatch) {
		mu.Lock()
		defer mu.Unlock()
		matches = m
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			var req map[string]any
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if req["image_url"] == "broken" {
				http.Error(w, "decode failed", http.StatusUnprocessableEntity)
				return
			}
			mu.Lock()
			res := faceclient.SearchResult{Matches: matches, FacesDetected: len(matches)}
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(res)
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := faceclient.New(srv.URL, 0.6, false)

	require.NoError(t, client.Health(ctx))

	setMatches(faceclient.SearchMatch{UserID: "w2", Similarity: 0.7}, faceclient.SearchMatch{UserID: "w1", Similarity: 0.9})
	id, ok, err := client.Identify(ctx, "frame.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attendance.WorkerID("w1"), id)

	setMatches(faceclient.SearchMatch{UserID: "w1", Similarity: 0.4})
	_, ok, err = client.Identify(ctx, "frame.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	setMatches()
	_, ok, err = client.Identify(ctx, "frame.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = client.Identify(ctx, "broken")
	require.ErrorContains(t, err, "422")
}

func TestIdentify_Skip(t *testing.T) {
	t.Parallel()

	client := faceclient.New("http://127.0.0.1:1", 0, true)
	id, ok, err := client.Identify(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attendance.WorkerID("mock-user"), id)
	require.NoError(t, client.Health(context.Background()))
}
