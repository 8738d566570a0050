package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ShadiChat/internal/api"
	"ShadiChat/internal/config"
	"ShadiChat/internal/fakebackend"
	"ShadiChat/internal/realtime"
	"ShadiChat/internal/session"
	"ShadiChat/internal/storage"
)

// syncBuffer guards the shell output, which the read loop also writes to
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(backend *fakebackend.Server, dbPath string) config.Config {
	cfg := config.Default()
	cfg.APIURL = backend.APIURL()
	cfg.SocketURL = backend.SocketURL()
	cfg.DBPath = dbPath
	cfg.HandshakeTimeout = "2s"
	return cfg
}

func newTestApp(t *testing.T, backend *fakebackend.Server, dbPath string, in io.Reader) (*App, *syncBuffer) {
	t.Helper()
	db, err := storage.Open(dbPath)
	require.NoError(t, err)

	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := assemble(testConfig(backend, dbPath), logger, db, nil, nil, in, out)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, out
}

func newBackend(t *testing.T) *fakebackend.Server {
	t.Helper()
	backend := fakebackend.New()
	t.Cleanup(backend.Close)
	backend.AddGoogleUser("tok-123", session.User{ID: "u1", Name: "Asha Verma", Email: "asha@example.com", Role: session.RoleUser})
	return backend
}

func waitForState(t *testing.T, a *App, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.manager.State() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogin_ConnectsRealtimeWithAccessToken(t *testing.T) {
	backend := newBackend(t)
	a, out := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))

	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)

	snap := a.store.Snapshot()
	require.Equal(t, "A1", snap.AccessToken)
	require.Equal(t, "R1", snap.RefreshToken)
	require.Equal(t, "u1", snap.User.ID)
	require.True(t, snap.IsAuthenticated)

	waitForState(t, a, realtime.StateConnected)
	require.Equal(t, 1, backend.Connections())
	require.Equal(t, "/en/dashboard", a.nav.CurrentPath())
	require.Contains(t, out.String(), "Signed in as Asha Verma")
}

func TestLogin_UnknownToken(t *testing.T) {
	backend := newBackend(t)
	a, _ := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))

	_, err := a.handleCommand(ctx, "/login nope")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.False(t, a.store.Snapshot().IsAuthenticated)
	require.Equal(t, realtime.StateDisconnected, a.manager.State())
}

func TestExpiredAccessToken_RefreshesWithoutReconnect(t *testing.T) {
	backend := newBackend(t)
	a, _ := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))

	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)
	waitForState(t, a, realtime.StateConnected)

	backend.ExpireAccessToken("A1")
	_, err = a.handleCommand(ctx, "/plans")
	require.NoError(t, err)

	require.Equal(t, 1, backend.RefreshCalls())
	require.Equal(t, "A2", a.store.Snapshot().AccessToken)
	require.Equal(t, "R1", a.store.Snapshot().RefreshToken)
	require.Equal(t, realtime.StateConnected, a.manager.State())
	require.Equal(t, 1, backend.Connections())
}

func TestRefreshFailure_LogsOutAndRedirectsToLocaleLogin(t *testing.T) {
	backend := newBackend(t)
	a, out := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))

	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)
	waitForState(t, a, realtime.StateConnected)
	_, err = a.handleCommand(ctx, "/locale hi")
	require.NoError(t, err)
	require.Equal(t, "/hi/dashboard", a.nav.CurrentPath())

	backend.ExpireAccessToken("A1")
	backend.RejectRefresh(true)

	_, err = a.handleCommand(ctx, "/interests")
	require.ErrorIs(t, err, api.ErrSessionExpired)

	require.Equal(t, "/hi/login", a.nav.CurrentPath())
	require.Contains(t, out.String(), "/hi/login")
	require.False(t, a.store.Snapshot().IsAuthenticated)
	require.Equal(t, realtime.StateDisconnected, a.manager.State())
	require.Equal(t, 1, backend.LogoutCalls())
}

func TestLogout_ClearsSessionAndSocket(t *testing.T) {
	backend := newBackend(t)
	a, _ := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))

	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)
	waitForState(t, a, realtime.StateConnected)
	backend.AddConversation("c1", "u1", "u2")
	_, err = a.handleCommand(ctx, "/open c1")
	require.NoError(t, err)

	_, err = a.handleCommand(ctx, "/logout")
	require.NoError(t, err)

	require.False(t, a.store.Snapshot().IsAuthenticated)
	require.Equal(t, realtime.StateDisconnected, a.manager.State())
	require.Empty(t, a.chat.Active())
	require.Nil(t, a.cache.Messages("c1"))
	require.Equal(t, "/en/login", a.nav.CurrentPath())
	require.Equal(t, 1, backend.LogoutCalls())
}

func TestSessionSurvivesRestart(t *testing.T) {
	backend := newBackend(t)
	dbPath := filepath.Join(t.TempDir(), "client.db")
	ctx := context.Background()

	first, _ := newTestApp(t, backend, dbPath, strings.NewReader(""))
	require.NoError(t, first.start(ctx))
	_, err := first.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, _ := newTestApp(t, backend, dbPath, strings.NewReader(""))
	require.NoError(t, second.start(ctx))

	snap := second.store.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, "A1", snap.AccessToken)
	require.Equal(t, "Asha Verma", snap.User.Name)
	waitForState(t, second, realtime.StateConnected)
}

func TestChat_SendAndReceive(t *testing.T) {
	backend := newBackend(t)
	backend.AddConversation("c1", "u1", "u2")
	backend.AddMessage(session.Message{ID: "h1", ConversationID: "c1", SenderID: "u2", ReceiverID: "u1", Content: "Namaste", CreatedAt: time.Now().Add(-time.Hour)})

	a, out := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))
	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)
	waitForState(t, a, realtime.StateConnected)

	_, err = a.handleCommand(ctx, "/open c1")
	require.NoError(t, err)
	require.Contains(t, out.String(), "u2: Namaste")

	msg, err := a.chat.Submit(ctx, "Hello")
	require.NoError(t, err)
	require.Equal(t, "c1", msg.ConversationID)

	require.NoError(t, backend.Push(session.Message{ID: "x1", ConversationID: "c1", SenderID: "u2", Content: "How are you?"}))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "u2: How are you?")
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(a.chat.Messages()) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestProfileAndDocumentCommands(t *testing.T) {
	backend := newBackend(t)
	dir := t.TempDir()
	a, out := newTestApp(t, backend, filepath.Join(dir, "client.db"), strings.NewReader(""))
	ctx := context.Background()
	require.NoError(t, a.start(ctx))
	_, err := a.handleCommand(ctx, "/login tok-123")
	require.NoError(t, err)

	_, err = a.handleCommand(ctx, "/onboard firstName=Asha city=Raipur")
	require.NoError(t, err)
	require.Contains(t, out.String(), "Profile created: Asha")

	_, err = a.handleCommand(ctx, "/editprofile family familyType=NUCLEAR")
	require.NoError(t, err)
	_, err = a.handleCommand(ctx, "/editprofile hobbies chess=yes")
	require.Error(t, err)
	_, err = a.handleCommand(ctx, "/editprofile")
	require.Error(t, err)

	_, err = a.handleCommand(ctx, "/respond i1 accept")
	require.NoError(t, err)
	_, err = a.handleCommand(ctx, "/interests")
	require.NoError(t, err)
	require.Contains(t, out.String(), "i1 [ACCEPTED]")

	doc := filepath.Join(dir, "aadhaar.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4"), 0o600))
	_, err = a.handleCommand(ctx, "/upload ID_PROOF "+doc)
	require.NoError(t, err)
	require.Contains(t, out.String(), "Uploaded d1 (PENDING)")

	_, err = a.handleCommand(ctx, "/documents")
	require.NoError(t, err)
	require.Contains(t, out.String(), "d1 ID_PROOF [PENDING]")

	_, err = a.handleCommand(ctx, "/rmdoc d1")
	require.NoError(t, err)
	_, err = a.handleCommand(ctx, "/rmdoc d1")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
}

func TestRun_ScriptedSession(t *testing.T) {
	backend := newBackend(t)
	in := strings.NewReader("/help\n/whoami\nhello there\n/bogus\n/locale cg\n/state\n/quit\n")
	a, out := newTestApp(t, backend, filepath.Join(t.TempDir(), "client.db"), in)

	require.NoError(t, a.Run())

	text := out.String()
	require.Contains(t, text, "=== ShadiChat ===")
	require.Contains(t, text, "Available commands:")
	require.Contains(t, text, "Not signed in")
	require.Contains(t, text, "not authenticated")
	require.Contains(t, text, "unknown command: /bogus")
	require.Contains(t, text, "Route: /cg")
	require.Contains(t, text, "Realtime: DISCONNECTED")
	require.Contains(t, text, "Goodbye!")
}

func TestNavigator(t *testing.T) {
	nav := NewNavigator("xx")
	require.Equal(t, "/en", nav.CurrentPath())

	nav.Go("chat", "c1")
	require.Equal(t, "/en/chat/c1", nav.CurrentPath())

	require.True(t, nav.SetLocale("hi"))
	require.Equal(t, "/hi/chat/c1", nav.CurrentPath())
	require.False(t, nav.SetLocale("fr"))
	require.Equal(t, "hi", nav.Locale())

	var redirected string
	nav.setRedirectHook(func(p string) { redirected = p })
	nav.Redirect("/hi/login")
	require.Equal(t, "/hi/login", redirected)
	require.Equal(t, "/hi/login", nav.CurrentPath())
}
