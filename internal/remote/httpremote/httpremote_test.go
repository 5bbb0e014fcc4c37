package httpremote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/remote/memory"
	"github.com/rapportapp/rapport/internal/remote/remotetest"
	"github.com/rapportapp/rapport/internal/wire"
)

type testEnv struct {
	backend *memory.Backend
	server  *Server
	client  *Client
}

func setupTestServer(t *testing.T, token string) *testEnv {
	t.Helper()
	backend := memory.New()
	srv := NewServer(backend, ServerConfig{Token: token})
	ts := httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.closeClients()
		ts.Close()
	})

	client, err := NewClient(ts.URL, WithToken(token))
	require.NoError(t, err)
	return &testEnv{backend: backend, server: srv, client: client}
}

func TestBackendSuite(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Backend {
		return setupTestServer(t, "secret").client
	})
}

func TestClient_CursorExpiredMapsToSentinel(t *testing.T) {
	env := setupTestServer(t, "")
	ctx := context.Background()

	_, err := env.client.Upsert(ctx, []wire.Record{remotetest.Rec("a", 0)})
	require.NoError(t, err)
	_, _, cursor := remotetest.FetchAll(t, env.client, "", 10)

	env.backend.ExpireCursors()
	_, err = env.client.FetchChanges(ctx, remote.FetchRequest{Cursor: cursor})
	assert.ErrorIs(t, err, remote.ErrCursorExpired)
}

func TestClient_BackendFailureIsUnavailable(t *testing.T) {
	env := setupTestServer(t, "")

	env.backend.FailNext(memory.OpFetch, errors.New("disk on fire"))
	_, err := env.client.FetchChanges(context.Background(), remote.FetchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestClient_UnreachableServer(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = client.AccountStatus(context.Background())
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestServer_RejectsMissingToken(t *testing.T) {
	env := setupTestServer(t, "secret")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/account")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestClient_BadTokenIsRestricted(t *testing.T) {
	env := setupTestServer(t, "secret")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	ctx := context.Background()

	client, err := NewClient(ts.URL, WithToken("wrong"))
	require.NoError(t, err)

	status, err := client.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusRestricted, status)

	_, err = client.FetchChanges(ctx, remote.FetchRequest{})
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	status, err = env.client.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAvailable, status)
}

func TestServer_AddrWhileStarting(t *testing.T) {
	srv := NewServer(memory.New(), ServerConfig{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != "127.0.0.1:0"
	}, 5*time.Second, time.Millisecond, "Addr reports the bound port")

	client, err := NewClient("http://" + addr)
	require.NoError(t, err)
	status, err := client.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAvailable, status)

	cancel()
	require.NoError(t, <-done)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestSubscribe_TracksClients(t *testing.T) {
	env := setupTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	_, err := env.client.Subscribe(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.server.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return env.server.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
