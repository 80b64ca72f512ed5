package runnerproto

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PingInterval and SocketTimeout are spec.md §6's runner-protocol timing
// constants ("Ping interval 1 s; socket timeout 5 s").
const (
	PingInterval  = 1 * time.Second
	SocketTimeout = 5 * time.Second
)

// EventHandler is invoked for every Event a runner sends, after Server has
// already applied its own bookkeeping (resend-buffer pruning via AckIdx,
// replay on Init). Typically wired to translate ActorStateUpdate into a
// bus.PublishSignal StateUpdate targeting the actor's workflow, and to
// write the routing-layer ProxiedPort/IngressPort rows (spec.md §6).
type EventHandler func(runnerID uuid.UUID, ev Event)

// Server bridges the durable, signal-driven runner workflow (internal/actor)
// to the live bidirectional stream a physical runner process holds open.
// It is transport-agnostic: Attach accepts any Conn, so production code
// wires a gRPC stream (grpc_stream.go) and tests wire an in-memory fake.
type Server struct {
	onEvent EventHandler

	mu      sync.Mutex
	runners map[uuid.UUID]*runnerState
}

type runnerState struct {
	conn    Conn
	nextIdx uint64
	pending []Command // unacked commands, ordered by Idx ascending
}

// NewServer constructs a Server that reports every received Event to onEvent.
func NewServer(onEvent EventHandler) *Server {
	return &Server{onEvent: onEvent, runners: map[uuid.UUID]*runnerState{}}
}

// Attach registers conn as runnerID's live stream and starts reading events
// from it in a background goroutine until Recv returns an error or Detach is
// called. A runner reattaching (after a reconnect) replaces its prior Conn;
// the pending resend buffer survives the swap so Init's replay still has
// something to resend.
func (s *Server) Attach(runnerID uuid.UUID, conn Conn) {
	s.register(runnerID, conn)
	go s.readLoop(runnerID, conn)
}

// Run registers conn like Attach, then reads events from it on the calling
// goroutine until Recv errors, returning that error. Use this from a gRPC
// stream handler, whose method must block for the RPC's whole lifetime
// rather than returning immediately as Attach's goroutine-based form would.
func (s *Server) Run(runnerID uuid.UUID, conn Conn) error {
	s.register(runnerID, conn)
	return s.readLoop(runnerID, conn)
}

func (s *Server) register(runnerID uuid.UUID, conn Conn) {
	s.mu.Lock()
	rs, ok := s.runners[runnerID]
	if !ok {
		rs = &runnerState{}
		s.runners[runnerID] = rs
	}
	prior := rs.conn
	rs.conn = conn
	s.mu.Unlock()

	if prior != nil {
		_ = prior.Close()
	}
}

// Detach drops runnerID's live connection and closes it, unblocking its
// readLoop goroutine. Pending commands remain buffered so a subsequent
// Attach + Init replay still delivers them.
func (s *Server) Detach(runnerID uuid.UUID) {
	s.mu.Lock()
	rs, ok := s.runners[runnerID]
	var conn Conn
	if ok {
		conn = rs.conn
		rs.conn = nil
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// readLoop reads events from conn until it errors (the normal outcome of
// Detach or Attach closing this same conn to replace it), and only then
// clears the runner's conn field — if conn has already been replaced by a
// newer Attach, that swap is left alone.
func (s *Server) readLoop(runnerID uuid.UUID, conn Conn) error {
	for {
		ev, err := conn.Recv()
		if err != nil {
			s.mu.Lock()
			if rs, ok := s.runners[runnerID]; ok && rs.conn == conn {
				rs.conn = nil
			}
			s.mu.Unlock()
			return err
		}
		s.handleEvent(runnerID, ev)
	}
}

func (s *Server) handleEvent(runnerID uuid.UUID, ev Event) {
	s.mu.Lock()
	rs, ok := s.runners[runnerID]
	if !ok {
		rs = &runnerState{}
		s.runners[runnerID] = rs
	}
	s.pruneAcked(rs, ev.AckIdx)
	var replay []Command
	if ev.Kind == EventInit && ev.Init != nil {
		replay = s.commandsAfter(rs, ev.Init.LastCommandIdx)
	}
	conn := rs.conn
	s.mu.Unlock()

	if s.onEvent != nil {
		s.onEvent(runnerID, ev)
	}
	for _, cmd := range replay {
		if conn != nil {
			_ = conn.Send(cmd)
		}
	}
}

// pruneAcked drops every buffered command with Idx <= ackIdx; the runner
// has confirmed it applied them, so a future reconnect never needs to
// resend them (spec.md §6 "ack up to an index for resumability").
func (s *Server) pruneAcked(rs *runnerState, ackIdx uint64) {
	kept := rs.pending[:0]
	for _, cmd := range rs.pending {
		if cmd.Idx > ackIdx {
			kept = append(kept, cmd)
		}
	}
	rs.pending = kept
}

func (s *Server) commandsAfter(rs *runnerState, idx uint64) []Command {
	out := make([]Command, 0, len(rs.pending))
	for _, cmd := range rs.pending {
		if cmd.Idx > idx {
			out = append(out, cmd)
		}
	}
	return out
}

// Dispatch sends cmd to runnerID, assigning it the next monotonic Idx and
// buffering it until the runner acks past that index. If the runner is
// currently disconnected, the command is still buffered and will go out on
// the next Attach's Init replay rather than being lost.
func (s *Server) Dispatch(runnerID uuid.UUID, cmd Command) error {
	s.mu.Lock()
	rs, ok := s.runners[runnerID]
	if !ok {
		rs = &runnerState{}
		s.runners[runnerID] = rs
	}
	rs.nextIdx++
	cmd.Idx = rs.nextIdx
	rs.pending = append(rs.pending, cmd)
	conn := rs.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Send(cmd)
}
