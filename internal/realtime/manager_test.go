package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ShadiChat/internal/fakebackend"
	"ShadiChat/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, backend *fakebackend.Server, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(backend.SocketURL(), testLogger(), opts)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func connected(t *testing.T) (*fakebackend.Server, *Manager, string) {
	t.Helper()
	backend := fakebackend.New()
	t.Cleanup(backend.Close)
	backend.AddConversation("c1", "u1", "u2")

	access, _ := backend.IssueTokens("u1")
	m := newTestManager(t, backend, Options{})
	require.NoError(t, m.Connect(context.Background(), access))
	require.Equal(t, StateConnected, m.State())
	return backend, m, access
}

func TestManager_ConnectOnce(t *testing.T) {
	backend, m, access := connected(t)

	err := m.Connect(context.Background(), access)
	require.ErrorIs(t, err, ErrAlreadyConnected)
	require.Equal(t, 1, backend.Connections())
}

func TestManager_ConnectRejectedToken(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()

	m := newTestManager(t, backend, Options{})
	require.Error(t, m.Connect(context.Background(), "bogus"))
	require.Equal(t, StateDisconnected, m.State())
}

func TestManager_HandshakeTimeout(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.WithholdReady(true)
	access, _ := backend.IssueTokens("u1")

	m := newTestManager(t, backend, Options{HandshakeTimeout: 100 * time.Millisecond})
	err := m.Connect(context.Background(), access)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateDisconnected, m.State())

	backend.WithholdReady(false)
	require.NoError(t, m.Connect(context.Background(), access))
	require.Equal(t, StateConnected, m.State())
}

func TestManager_StateChanges(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	access, _ := backend.IssueTokens("u1")

	m := newTestManager(t, backend, Options{})
	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.NoError(t, m.Connect(context.Background(), access))
	m.Disconnect()
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestManager_SubscribeFiltersByConversation(t *testing.T) {
	backend, m, _ := connected(t)
	backend.AddConversation("c2", "u1", "u3")

	c1 := make(chan session.Message, 10)
	all := make(chan session.Message, 10)
	m.Subscribe("c1", func(msg session.Message) { c1 <- msg })
	m.Subscribe("", func(msg session.Message) { all <- msg })

	base := time.Now().UTC()
	require.NoError(t, backend.Push(session.Message{ID: "x1", ConversationID: "c1", SenderID: "u2", Content: "hi", CreatedAt: base}))
	require.NoError(t, backend.Push(session.Message{ID: "y1", ConversationID: "c2", SenderID: "u3", Content: "yo", CreatedAt: base}))
	require.NoError(t, backend.Push(session.Message{ID: "x2", ConversationID: "c1", SenderID: "u2", Content: "there", CreatedAt: base}))

	require.Equal(t, "x1", (<-c1).ID)
	require.Equal(t, "x2", (<-c1).ID)
	require.Equal(t, "x1", (<-all).ID)
	require.Equal(t, "y1", (<-all).ID)
	require.Equal(t, "x2", (<-all).ID)
	require.Empty(t, c1)
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	backend, m, _ := connected(t)

	got := make(chan session.Message, 10)
	inbox := make(chan session.Message, 10)
	unsubscribe := m.Subscribe("c1", func(msg session.Message) { got <- msg })
	m.Subscribe("c1", func(msg session.Message) { inbox <- msg })

	require.NoError(t, backend.Push(session.Message{ID: "x1", ConversationID: "c1", SenderID: "u2"}))
	require.Equal(t, "x1", (<-got).ID)
	<-inbox

	unsubscribe()
	unsubscribe()
	require.NoError(t, backend.Push(session.Message{ID: "x2", ConversationID: "c1", SenderID: "u2"}))
	require.Equal(t, "x2", (<-inbox).ID)
	require.Empty(t, got)
}

func TestManager_SendResolvesOnAck(t *testing.T) {
	_, m, _ := connected(t)

	msg, err := m.Send(context.Background(), OutgoingMessage{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		ClientID:       "cid-1",
	})
	require.NoError(t, err)
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, "u1", msg.SenderID)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, "cid-1", msg.ClientID)
}

func TestManager_SendGeneratesClientID(t *testing.T) {
	_, m, _ := connected(t)

	msg, err := m.Send(context.Background(), OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ClientID)
}

func TestManager_SendRejected(t *testing.T) {
	backend, m, _ := connected(t)
	backend.RejectSends("blocked by recipient")

	_, err := m.Send(context.Background(), OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "blocked by recipient")
	require.Equal(t, StateConnected, m.State())
}

func TestManager_SendNotConnected(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()

	m := newTestManager(t, backend, Options{})
	_, err := m.Send(context.Background(), OutgoingMessage{ConversationID: "c1", Content: "hello"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_DisconnectRejectsPending(t *testing.T) {
	backend, m, _ := connected(t)
	backend.HoldAcks(true)

	errs := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return len(backend.Messages("c1")) == 1
	}, time.Second, 10*time.Millisecond)

	m.Disconnect()
	require.ErrorIs(t, <-errs, ErrDisconnected)
	require.Equal(t, StateDisconnected, m.State())
}

func TestManager_TransportDropIsNotRetried(t *testing.T) {
	backend, m, _ := connected(t)
	backend.HoldAcks(true)

	errs := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return len(backend.Messages("c1")) == 1
	}, time.Second, 10*time.Millisecond)

	backend.DropConnections()

	require.ErrorIs(t, <-errs, ErrDisconnected)
	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, backend.Connections())
	require.Equal(t, StateDisconnected, m.State())
}

func TestManager_SendHonoursContext(t *testing.T) {
	backend, m, _ := connected(t)
	backend.HoldAcks(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Send(ctx, OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a late ack for the abandoned send is ignored
	backend.ReleaseAcks()
	require.Equal(t, StateConnected, m.State())
}

func TestManager_FollowsSession(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	access, refresh := backend.IssueTokens("u1")

	store, err := session.NewStore(nil, testLogger())
	require.NoError(t, err)

	m := newTestManager(t, backend, Options{})
	m.Start(context.Background(), store)
	require.Equal(t, StateDisconnected, m.State())

	store.SetAuth(context.Background(), access, refresh, session.User{ID: "u1"})
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// a refreshed token does not reopen the socket
	next, _ := backend.IssueTokens("u1")
	store.SetAccessToken(context.Background(), next)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, 1, backend.Connections())

	store.Logout(context.Background())
	require.Equal(t, StateDisconnected, m.State())
	require.Eventually(t, func() bool {
		return backend.Connections() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_LogoutBeforeDialLeavesNoSocket(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()

	store, err := session.NewStore(nil, testLogger())
	require.NoError(t, err)

	m := newTestManager(t, backend, Options{})
	m.Start(context.Background(), store)

	for i := 0; i < 20; i++ {
		access, refresh := backend.IssueTokens("u1")
		store.SetAuth(context.Background(), access, refresh, session.User{ID: "u1"})
		store.Logout(context.Background())
	}

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateDisconnected, m.State())
	require.Eventually(t, func() bool {
		return backend.Connections() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_DisconnectDoesNotWaitForWriters(t *testing.T) {
	_, m, _ := connected(t)

	// a Send stuck in WriteJSON holds writeMu
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on the write lock")
	}
	require.Equal(t, StateDisconnected, m.State())
}

func TestManager_StartWithExistingSession(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	access, refresh := backend.IssueTokens("u1")

	store, err := session.NewStore(nil, testLogger())
	require.NoError(t, err)
	store.SetAuth(context.Background(), access, refresh, session.User{ID: "u1"})

	m := newTestManager(t, backend, Options{})
	m.Start(context.Background(), store)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	require.Equal(t, StateDisconnected, m.State())
}

func TestNewManager_NilLogger(t *testing.T) {
	_, err := NewManager("", nil, Options{})
	require.Error(t, err)
}
