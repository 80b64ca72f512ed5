package runnerproto

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: Send appends to a buffer a test can
// inspect, Recv drains a channel a test feeds, Close unblocks a pending Recv.
type fakeConn struct {
	mu     sync.Mutex
	sent   []Command
	events chan Event
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Recv() (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return Event{}, errors.New("conn closed")
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) sentCommands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.sent))
	copy(out, c.sent)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestServer_DispatchSendsOverAttachedConn(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()
	conn := newFakeConn()
	srv.Attach(runnerID, conn)

	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStartActor, StartActor: &StartActorCmd{ActorID: "a1"}}))

	waitFor(t, func() bool { return len(conn.sentCommands()) == 1 })
	sent := conn.sentCommands()
	require.Equal(t, uint64(1), sent[0].Idx)
	require.Equal(t, CommandStartActor, sent[0].Kind)
}

func TestServer_DispatchBuffersWhenDisconnected(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()

	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStopActor}))
	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStopActor}))

	conn := newFakeConn()
	conn.events <- Event{Kind: EventInit, Init: &InitEvent{LastCommandIdx: 0}}
	srv.Attach(runnerID, conn)

	waitFor(t, func() bool { return len(conn.sentCommands()) == 2 })
	sent := conn.sentCommands()
	require.Equal(t, uint64(1), sent[0].Idx)
	require.Equal(t, uint64(2), sent[1].Idx)
}

func TestServer_InitReplayOnlyResendsCommandsAfterLastApplied(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()

	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStartActor}))
	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStopActor}))
	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandSignalRunner}))

	conn := newFakeConn()
	conn.events <- Event{Kind: EventInit, Init: &InitEvent{LastCommandIdx: 1}}
	srv.Attach(runnerID, conn)

	waitFor(t, func() bool { return len(conn.sentCommands()) == 2 })
	sent := conn.sentCommands()
	require.Equal(t, uint64(2), sent[0].Idx)
	require.Equal(t, uint64(3), sent[1].Idx)
}

func TestServer_AckPrunesResendBuffer(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()

	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStartActor}))
	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStopActor}))

	conn := newFakeConn()
	srv.Attach(runnerID, conn)
	conn.events <- Event{Kind: EventActorStateUpdate, AckIdx: 2, ActorStateUpdate: &ActorStateUpdateEvent{ActorID: "a1", State: StateRunning}}

	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.runners[runnerID].pending) == 0
	})

	reconnectConn := newFakeConn()
	reconnectConn.events <- Event{Kind: EventInit, Init: &InitEvent{LastCommandIdx: 0}}
	srv.Attach(runnerID, reconnectConn)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, reconnectConn.sentCommands(), "acked commands must not be replayed")
}

func TestServer_EventHandlerReceivesEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var received []Event
	srv := NewServer(func(runnerID uuid.UUID, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})

	runnerID := uuid.New()
	conn := newFakeConn()
	srv.Attach(runnerID, conn)
	conn.events <- Event{Kind: EventActorStateUpdate, ActorStateUpdate: &ActorStateUpdateEvent{ActorID: "a1", State: StateStopped}}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	require.Equal(t, "a1", received[0].ActorStateUpdate.ActorID)
	mu.Unlock()
}

func TestServer_ReattachClosesPriorConnAndKeepsPendingBuffer(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()

	first := newFakeConn()
	srv.Attach(runnerID, first)
	require.NoError(t, srv.Dispatch(runnerID, Command{Kind: CommandStartActor}))
	waitFor(t, func() bool { return len(first.sentCommands()) == 1 })

	second := newFakeConn()
	second.events <- Event{Kind: EventInit, Init: &InitEvent{LastCommandIdx: 0}}
	srv.Attach(runnerID, second)

	waitFor(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	})
	waitFor(t, func() bool { return len(second.sentCommands()) == 1 })
	require.Equal(t, uint64(1), second.sentCommands()[0].Idx)
}

func TestServer_RunBlocksUntilConnErrors(t *testing.T) {
	srv := NewServer(nil)
	runnerID := uuid.New()
	conn := newFakeConn()

	done := make(chan error, 1)
	go func() { done <- srv.Run(runnerID, conn) }()

	select {
	case <-done:
		require.Fail(t, "Run returned before conn closed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "Run never returned after conn closed")
	}
}
