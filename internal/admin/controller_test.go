package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

type idleTransport struct{}

func (idleTransport) ReadSome(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (idleTransport) Write([]byte) error { return nil }
func (idleTransport) Close() error       { return nil }

type noopApp struct{}

func (noopApp) OnMessage(fix.SessionID, fix.Message)              {}
func (noopApp) OnSessionStateChange(fix.SessionID, session.State) {}

func testEngine(t *testing.T, stores store.Factory, sender string) *session.Engine {
	t.Helper()
	settings := session.Settings{
		BeginString:  "FIX.4.4",
		SenderCompID: sender,
		TargetCompID: "REMOTE",
	}
	settings.ApplyDefaults()
	part, err := stores.Partition(settings.SessionID())
	require.NoError(t, err)
	t.Cleanup(func() { part.Close() })

	e, err := session.NewEngine(settings, part, idleTransport{}, noopApp{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func setup(t *testing.T) (*gin.Engine, *session.Registry, store.Factory) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(logger)
	stores := store.NewMemoryFactory()
	return NewRouter(registry, stores, logger), registry, stores
}

func doJSON(t *testing.T, router http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestHealthz(t *testing.T) {
	router, _, _ := setup(t)
	w, body := doJSON(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListAndDetail(t *testing.T) {
	router, registry, stores := setup(t)
	e := testEngine(t, stores, "LOCAL")
	require.NoError(t, registry.Register(e))

	w, body := doJSON(t, router, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["data"].([]any)
	require.Len(t, sessions, 1)
	first := sessions[0].(map[string]any)
	assert.Equal(t, "disconnected", first["state"])

	w, body = doJSON(t, router, http.MethodGet, "/sessions/FIX.4.4:LOCAL->REMOTE", "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := body["data"].(map[string]any)
	assert.Equal(t, float64(1), detail["nextSenderSeq"])

	w, _ = doJSON(t, router, http.MethodGet, "/sessions/FIX.4.4:NOBODY->REMOTE", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetRefusedWhileRunning(t *testing.T) {
	router, registry, stores := setup(t)
	e := testEngine(t, stores, "LOCAL")
	require.NoError(t, registry.Register(e))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, e.Running, 2*time.Second, 10*time.Millisecond)
	w, body := doJSON(t, router, http.MethodPost, "/sessions/FIX.4.4:LOCAL->REMOTE/reset", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, true, body["error"])
}

func TestResetClearsStore(t *testing.T) {
	router, _, stores := setup(t)

	sid := fix.SessionID{BeginString: "FIX.4.4", SenderCompID: "LOCAL", TargetCompID: "REMOTE"}
	part, err := stores.Partition(sid)
	require.NoError(t, err)
	st := store.FreshState()
	st.NextSenderSeq = 42
	require.NoError(t, part.SaveState(st))
	require.NoError(t, part.Close())

	w, _ := doJSON(t, router, http.MethodPost, "/sessions/FIX.4.4:LOCAL->REMOTE/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	part, err = stores.Partition(sid)
	require.NoError(t, err)
	defer part.Close()
	got, err := part.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.NextSenderSeq)
}

func TestResetRejectsMalformedID(t *testing.T) {
	router, _, _ := setup(t)
	w, _ := doJSON(t, router, http.MethodPost, "/sessions/garbage/reset", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogoutUnknownSession(t *testing.T) {
	router, _, _ := setup(t)
	w, _ := doJSON(t, router, http.MethodPost, "/sessions/FIX.4.4:LOCAL->REMOTE/logout", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
