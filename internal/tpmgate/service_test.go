package tpmgate

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tpmgate/internal/dispatch"
	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

const testOrigin = "http://origin.local"

const testConfigYAML = `
server:
  origin: http://origin.local/
cache:
  version: v1
  precache:
    - /index.html
    - /manifest.json
    - /icons/icon-192x192.png
updates:
  initialDelay: 1h
  every: 1h
storage:
  ram:
    max: 1mb
`

type harness struct {
	svc   *Service
	mt    *httpmock.MockTransport
	store *Store
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	for _, fn := range mutate {
		fn(&cfg)
	}

	log := zaptest.NewLogger(t)
	store, err := OpenMemStore(cfg.Storage.ramMax, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mt := httpmock.NewMockTransport()
	svc, err := NewService(cfg, log,
		WithHTTPClient(&http.Client{Transport: mt}),
		WithStore(store))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &harness{svc: svc, mt: mt, store: store}
}

func (h *harness) serve(path, body string) {
	h.mt.RegisterResponder(http.MethodGet, testOrigin+path, httpmock.NewStringResponder(http.StatusOK, body))
}

func (h *harness) serveApp() {
	h.serve("/index.html", "<html>shell</html>")
	h.serve("/manifest.json", `{"name":"TPM"}`)
	h.serve("/icons/icon-192x192.png", "PNG-192")
}

// installActive serves the app, installs v1 and activates it.
func (h *harness) installActive(t *testing.T) {
	t.Helper()
	h.serveApp()
	_, err := h.svc.Install(context.Background(), "v1")
	require.NoError(t, err)
	require.NoError(t, h.svc.Activate(context.Background()))
}

func recvMsg(t *testing.T, ch <-chan message.Outbound) message.Outbound {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "page channel closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for page message")
		return message.Outbound{}
	}
}

func assertNoMsg(t *testing.T, ch <-chan message.Outbound) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected page message %s", m.Type)
	default:
	}
}

func TestInstall_FailedFileDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	h.serve("/index.html", "<html>shell</html>")
	h.serve("/manifest.json", `{"name":"TPM"}`)
	h.mt.RegisterResponder(http.MethodGet, testOrigin+"/icons/icon-192x192.png",
		httpmock.NewStringResponder(http.StatusNotFound, "missing"))

	rep, err := h.svc.Install(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", rep.Version)
	assert.Equal(t, []string{"/index.html", "/manifest.json"}, rep.Cached)
	assert.Equal(t, []string{"/icons/icon-192x192.png"}, rep.Failed)

	waiting, ok := h.store.Waiting()
	require.True(t, ok)
	assert.Equal(t, "v1", waiting)

	require.NoError(t, h.svc.Activate(context.Background()))
	assert.Equal(t, "v1", h.svc.ActiveVersion())

	c := h.svc.current.Load()
	_, ok = c.Match("/index.html")
	assert.True(t, ok)
	_, ok = c.Match("/icons/icon-192x192.png")
	assert.False(t, ok)
}

func TestInstall_SendsNoCacheToOrigin(t *testing.T) {
	h := newHarness(t)
	var cacheControl string
	h.mt.RegisterResponder(http.MethodGet, testOrigin+"/index.html", func(req *http.Request) (*http.Response, error) {
		cacheControl = req.Header.Get("Cache-Control")
		return httpmock.NewStringResponse(http.StatusOK, "shell"), nil
	})
	h.serve("/manifest.json", "{}")
	h.serve("/icons/icon-192x192.png", "PNG")

	_, err := h.svc.Install(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "no-cache", cacheControl)
}

func TestActivate_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	page, err := h.svc.hub.Register("http://app.local/pages/manager/reports.html")
	require.NoError(t, err)

	h.installActive(t)
	got := recvMsg(t, page.Messages())
	assert.Equal(t, message.TypeSWUpdated, got.Type)
	assert.Equal(t, "v1", got.Version)

	calls := h.mt.GetTotalCallCount()
	require.NoError(t, h.svc.Activate(context.Background()))
	assertNoMsg(t, page.Messages())

	keys, err := h.store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, keys)
	assert.Equal(t, "v1", h.svc.ActiveVersion())
	assert.Equal(t, calls, h.mt.GetTotalCallCount())
}

func TestActivate_DeletesStaleVersions(t *testing.T) {
	h := newHarness(t)
	h.installActive(t)

	_, err := h.svc.Install(context.Background(), "v2")
	require.NoError(t, err)
	keys, _ := h.store.Keys()
	assert.Equal(t, []string{"v1", "v2"}, keys)
	assert.Equal(t, "v1", h.svc.ActiveVersion(), "waiting version must not serve before activation")

	require.NoError(t, h.svc.Activate(context.Background()))
	keys, _ = h.store.Keys()
	assert.Equal(t, []string{"v2"}, keys)
	assert.Equal(t, "v2", h.svc.ActiveVersion())
	_, waiting := h.store.Waiting()
	assert.False(t, waiting)
}

func TestActivate_NothingInstalled(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.Activate(context.Background()), ErrNoWaitingVersion)
	assert.Empty(t, h.svc.ActiveVersion())
}

func TestSkipWaiting(t *testing.T) {
	h := newHarness(t)
	h.installActive(t)

	_, err := h.svc.SkipWaiting(context.Background())
	assert.ErrorIs(t, err, ErrNoWaitingVersion)

	page, err := h.svc.hub.Register("http://app.local/pages/operator/tasks.html")
	require.NoError(t, err)
	_, err = h.svc.Install(context.Background(), "v2")
	require.NoError(t, err)

	v, err := h.svc.SkipWaiting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, "v2", h.svc.ActiveVersion())

	assert.Equal(t, message.TypeSWUpdated, recvMsg(t, page.Messages()).Type)
	reload := recvMsg(t, page.Messages())
	assert.Equal(t, message.TypeReloadPage, reload.Type)
	assert.Equal(t, "v2", reload.Version)
}

func TestStart_ReusesInstalledVersion(t *testing.T) {
	h := newHarness(t)
	h.serveApp()

	require.NoError(t, h.svc.Start(context.Background()))
	assert.Equal(t, "v1", h.svc.ActiveVersion())
	assert.Equal(t, 3, h.mt.GetTotalCallCount())

	// a restart against the same store finds v1 active and fetches nothing
	mt := httpmock.NewMockTransport()
	again, err := NewService(h.svc.cfg, zaptest.NewLogger(t),
		WithHTTPClient(&http.Client{Transport: mt}),
		WithStore(h.store))
	require.NoError(t, err)
	defer again.Close()

	require.NoError(t, again.Start(context.Background()))
	assert.Equal(t, "v1", again.ActiveVersion())
	assert.Zero(t, mt.GetTotalCallCount())
}

func TestClose_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.serveApp()
	require.NoError(t, h.svc.Start(context.Background()))

	page, err := h.svc.hub.Register("http://app.local/")
	require.NoError(t, err)

	h.svc.Close()
	h.svc.Close()

	for range page.Messages() {
	}
	_, err = h.svc.hub.Register("http://app.local/")
	assert.Error(t, err)
}

type recordingRenderer struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingRenderer) Name() string { return "recording" }

func (r *recordingRenderer) Render(_ context.Context, n dispatch.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, n.Tag)
	return nil
}

func TestNewService_ExtraRenderers(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	store, err := OpenMemStore(cfg.Storage.ramMax, log)
	require.NoError(t, err)
	defer store.Close()

	rr := &recordingRenderer{}
	svc, err := NewService(cfg, log,
		WithHTTPClient(&http.Client{Transport: httpmock.NewMockTransport()}),
		WithStore(store),
		WithRenderers(rr))
	require.NoError(t, err)
	defer svc.Close()

	ev := message.Event{Role: roles.Operator, Payload: message.Payload{ID: "x1", MachineName: "Lathe-2"}}
	res, err := svc.Dispatcher().Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Rendered)

	rr.mu.Lock()
	defer rr.mu.Unlock()
	assert.Equal(t, []string{"operator-x1"}, rr.tags)
}
