package runnerproto

// Conn is the per-runner transport Server drives: Send delivers one Command
// to the runner, Recv blocks for the runner's next Event. The gRPC-backed
// implementation (grpc_stream.go) and tests' in-memory implementation both
// satisfy this, so Server's sequencing/resend logic never depends on gRPC
// directly.
type Conn interface {
	Send(Command) error
	Recv() (Event, error)
	Close() error
}
