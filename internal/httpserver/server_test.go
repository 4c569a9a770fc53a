package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/config"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/httpserver"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

const testAPIKey = "relay-key-123"

func testServer(t *testing.T) (*httptest.Server, *objstore.Memory, *objstore.Notifier, *admission.Memory) {
	t.Helper()

	notifier := objstore.NewNotifier(16)
	store := objstore.NewMemory(quartz.NewReal(), nil)
	ctrl := admission.NewMemory(admission.Limits{
		MaxConcurrent:        4,
		MaxConcurrentPerUser: 2,
	}, quartz.NewReal())

	cfg := config.Config{
		APIKeys: map[string]string{testAPIKey: "relay"},
	}
	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Store:     store,
		Admission: ctrl,
		Queue:     notifier,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store, notifier, ctrl
}

func postJSON(t *testing.T, srv *httptest.Server, apiKey, path string, payload any) (int, []byte) {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := testServer(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// In-memory mode has no DB dependency, so readiness is unconditional.
	resp, err = srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotify_Unauthorized(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := testServer(t)

	status, _ := postJSON(t, srv, "", "/events", event.NotificationRequest{
		Key:       "alice/raw/export.csv",
		EventTime: time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestNotify_BadPayload(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := testServer(t)

	status, _ := postJSON(t, srv, testAPIKey, "/events", event.NotificationRequest{
		Key: "alice/raw/export.csv",
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = postJSON(t, srv, testAPIKey, "/events", event.NotificationRequest{
		Key:       "alice/raw/export.csv",
		EventTime: "yesterday",
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestNotify_QueuesMatchingKey(t *testing.T) {
	t.Parallel()

	srv, _, notifier, _ := testServer(t)

	status, body := postJSON(t, srv, testAPIKey, "/events", event.NotificationRequest{
		Key:       "alice/raw/export.csv",
		Size:      42,
		EventTime: time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, status)

	var resp event.NotificationResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.True(t, resp.Accepted)
	require.False(t, resp.Ignored)

	ev := <-notifier.Events()
	require.Equal(t, "alice/raw/export.csv", ev.Key.String())
	require.EqualValues(t, 42, ev.Size)
}

// Objects outside the pipeline namespace are accepted and ignored: they
// must not trigger processing, and they are not an error either.
func TestNotify_IgnoresForeignKey(t *testing.T) {
	t.Parallel()

	srv, _, notifier, _ := testServer(t)

	status, body := postJSON(t, srv, testAPIKey, "/events", event.NotificationRequest{
		Key:       "alice/config/settings.json",
		EventTime: time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, status)

	var resp event.NotificationResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.True(t, resp.Ignored)

	select {
	case ev := <-notifier.Events():
		t.Fatalf("foreign key was queued: %s", ev.Key.String())
	default:
	}
}

func TestReprocess(t *testing.T) {
	t.Parallel()

	srv, store, notifier, _ := testServer(t)
	ctx := context.Background()

	status, _ := postJSON(t, srv, testAPIKey, "/reprocess", event.ReprocessRequest{
		Key: "alice/raw/export.csv",
	})
	require.Equal(t, http.StatusNotFound, status)

	key := stage.Key{UserID: "alice", Stage: stage.Raw, Rel: "export.csv"}
	require.NoError(t, store.Put(ctx, key, []byte("a,b\n")))

	status, _ = postJSON(t, srv, testAPIKey, "/reprocess", event.ReprocessRequest{
		Key: key.String(),
	})
	require.Equal(t, http.StatusAccepted, status)

	ev := <-notifier.Events()
	require.Equal(t, key, ev.Key)

	status, _ = postJSON(t, srv, testAPIKey, "/reprocess", event.ReprocessRequest{
		Key: "alice/config/settings.json",
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	srv, _, _, ctrl := testServer(t)
	ctx := context.Background()

	tk, err := ctrl.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer func() {
		err := ctrl.Release(ctx, tk)
		if err != nil && !xerrors.Is(err, admission.ErrAlreadyReleased) {
			t.Error(err)
		}
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/load?user=alice", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Global     int    `json:"global"`
		User       string `json:"user"`
		UserActive int    `json:"user_active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Global)
	require.Equal(t, "alice", out.User)
	require.Equal(t, 1, out.UserActive)
}
