package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/server"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, st *store.Store) (*server.Server, *engine.Controller) {
	t.Helper()
	unplugged := func(context.Context) (engine.FrameSource, error) {
		return nil, errors.New("no camera attached")
	}
	ctrl := engine.NewController(engine.Deps{Open: unplugged, Store: st}, engine.Options{Logger: quiet})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := server.New(ctx, server.Config{ListenAddr: "127.0.0.1:0", Logger: quiet}, ctrl)
	require.NoError(t, err)
	return srv, ctrl
}

func do(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresListenAddr(t *testing.T) {
	_, err := server.New(context.Background(), server.Config{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, store.New(nil))
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestThreshold(t *testing.T) {
	srv, _ := newTestServer(t, store.New(nil))

	rec := do(t, srv, http.MethodGet, "/api/v1/threshold", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Threshold float64 `json:"threshold"`
		Error     string  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 0.3, got.Threshold, 1e-9)

	rec = do(t, srv, http.MethodPut, "/api/v1/threshold", `{"threshold": 0.95}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 0.3, got.Threshold, 1e-9, "rejected value keeps the previous threshold")
	assert.NotEmpty(t, got.Error)

	rec = do(t, srv, http.MethodPut, "/api/v1/threshold", `{"threshold": 0.6}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"threshold":0.6}`, rec.Body.String())

	rec = do(t, srv, http.MethodPut, "/api/v1/threshold", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrainErrors(t *testing.T) {
	srv, _ := newTestServer(t, store.New(nil))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad body", http.MethodPost, "/api/v1/train", `{`, http.StatusBadRequest},
		{"empty identity", http.MethodPost, "/api/v1/train", `{"identity": "  "}`, http.StatusBadRequest},
		{"camera missing", http.MethodPost, "/api/v1/train", `{"identity": "bob"}`, http.StatusServiceUnavailable},
		{"capture without session", http.MethodPost, "/api/v1/train/capture", ``, http.StatusConflict},
		{"cancel without session", http.MethodDelete, "/api/v1/train", ``, http.StatusConflict},
		{"recognition without camera", http.MethodPost, "/api/v1/recognition", ``, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body types.ErrorResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestIdentitiesAndClear(t *testing.T) {
	st := store.New(nil)
	require.NoError(t, st.Add("bob", store.Vector{1, 1}))
	require.NoError(t, st.Add("alice", store.Vector{2, 2}))
	require.NoError(t, st.Add("alice", store.Vector{3, 3}))
	srv, _ := newTestServer(t, st)

	rec := do(t, srv, http.MethodGet, "/api/v1/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"alice","samples":2},{"name":"bob","samples":1}]`, rec.Body.String())

	rec = do(t, srv, http.MethodDelete, "/api/v1/faces", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, st.Len())

	// Clearing an empty catalogue still succeeds.
	rec = do(t, srv, http.MethodDelete, "/api/v1/faces", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/identities", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistoryAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, store.New(nil))

	rec := do(t, srv, http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/v1/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Running    bool `json:"running"`
		Enrollment struct {
			State string `json:"state"`
			Max   int    `json:"max"`
		} `json:"enrollment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)
	assert.Equal(t, "idle", st.Enrollment.State)
	assert.Equal(t, 5, st.Enrollment.Max)

	rec = do(t, srv, http.MethodPost, "/api/v1/exit", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLatestFrame(t *testing.T) {
	srv, ctrl := newTestServer(t, store.New(nil))

	rec := do(t, srv, http.MethodGet, "/api/v1/frame", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	jpeg := []byte{0xFF, 0xD8, 0x42, 0xFF, 0xD9}
	// The watcher subscribes asynchronously; keep publishing until it sees a frame.
	assert.Eventually(t, func() bool {
		ctrl.Bus().SendEvent(engine.Event{Kind: engine.FrameReady, FrameIndex: 7, Frame: jpeg})
		return do(t, srv, http.MethodGet, "/api/v1/frame", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/api/v1/frame", "")
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "7", rec.Header().Get("X-Frame-Index"))
	assert.Equal(t, jpeg, rec.Body.Bytes())
}

func TestEventStream(t *testing.T) {
	srv, ctrl := newTestServer(t, store.New(nil))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "status", name)

	ctrl.Bus().SendEvent(engine.Event{Kind: engine.WorkerStopped, FrameIndex: 3, Error: "camera unplugged"})
	name, data := readEvent()
	assert.Equal(t, "stopped", name)
	assert.Contains(t, data, `"kind":"stopped"`)
	assert.Contains(t, data, "camera unplugged")
}
