package taskrunner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/swarmguard/dagsched/internal/scheduler"
)

// GRPCStub is a dial-only client for a remote executor fleet: it opens the
// channel and records the intent to call it, but the actual task-dispatch
// RPC isn't implemented yet (grounded in the teacher's GRPCPlugin, which is
// itself an intentionally unfinished stub). It is not used by default;
// Pool is the in-process executor wired by cmd/dagschedd.
type GRPCStub struct {
	conn   *grpc.ClientConn
	tracer trace.Tracer
}

// DialGRPCStub opens a gRPC channel to target without blocking on
// connection establishment.
func DialGRPCStub(target string) (*GRPCStub, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial executor %s: %w", target, err)
	}
	return &GRPCStub{conn: conn, tracer: otel.Tracer("dagsched-taskrunner-grpc")}, nil
}

func (g *GRPCStub) Close() error {
	return g.conn.Close()
}

// Submit is unimplemented: a real deployment needs a task-execution proto
// and generated client, which is out of scope here.
func (g *GRPCStub) Submit(ctx context.Context, tasks []scheduler.Task) error {
	_, span := g.tracer.Start(ctx, "grpc_stub.submit")
	defer span.End()
	return fmt.Errorf("grpc task submission not yet implemented: requires a task-execution proto")
}

func (g *GRPCStub) CancelTasks(ctx context.Context, stageID scheduler.StageID, interruptThread bool) error {
	return fmt.Errorf("grpc task cancellation not yet implemented")
}

func (g *GRPCStub) KillTask(ctx context.Context, taskID scheduler.TaskKey, execID string, interruptThread bool) error {
	return fmt.Errorf("grpc task kill not yet implemented")
}
