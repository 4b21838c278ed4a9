package microservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-presence/pkg/microservice"
	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseServer_StartServeShutdown(t *testing.T) {
	// Arrange
	server := microservice.NewBaseServer(zerolog.Nop(), ":0")
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "Test."})
	reg.MustRegister(counter)
	counter.Inc()
	server.HandleMetrics(reg)

	// Act
	require.NoError(t, server.Start())
	port := server.GetHTTPPort()
	require.NotEqual(t, ":0", port)
	base := "http://localhost" + port

	// Assert
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "test_events_total 1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

type fakeQuerier struct {
	online  map[string]bool
	friends map[string][]string
	err     error
}

func (q *fakeQuerier) IsOnline(userID string) bool { return q.online[userID] }

func (q *fakeQuerier) OnlineFriends(_ context.Context, userID string) ([]string, error) {
	if !presence.ValidUserID(userID) {
		return nil, presence.ErrInvalidUserID
	}
	if q.err != nil {
		return nil, q.err
	}
	return q.friends[userID], nil
}

func TestPresenceAPI(t *testing.T) {
	q := &fakeQuerier{
		online:  map[string]bool{"alice": true},
		friends: map[string][]string{"bob": {"alice"}},
	}
	mux := http.NewServeMux()
	microservice.RegisterPresenceAPI(mux, q, zerolog.Nop())

	testCases := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "online user", path: "/presence/alice", wantStatus: http.StatusOK, wantBody: `{"userId":"alice","online":true}`},
		{name: "offline user", path: "/presence/carol", wantStatus: http.StatusOK, wantBody: `{"userId":"carol","online":false}`},
		{name: "sentinel id", path: "/presence/undefined", wantStatus: http.StatusBadRequest, wantBody: `{"error":"invalid user id"}`},
		{name: "online friends", path: "/presence/bob/friends/online", wantStatus: http.StatusOK, wantBody: `{"userId":"bob","onlineFriends":["alice"]}`},
		{name: "online friends of sentinel", path: "/presence/undefined/friends/online", wantStatus: http.StatusBadRequest, wantBody: `{"error":"invalid user id"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tc.wantBody, rec.Body.String())
		})
	}

	t.Run("internal error", func(t *testing.T) {
		q.err = errors.New("boom")
		defer func() { q.err = nil }()

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/bob/friends/online", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "internal error", body["error"])
	})
}
