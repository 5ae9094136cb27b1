package test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/rpc"
	"github.com/outofforest/capnp/rpc/transport"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// Context returns context with logger canceled when test ends.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

// ConnPair creates two connections talking over in-memory pipe and runs them until test ends.
func ConnPair(t *testing.T, serverOptions, clientOptions rpc.Options) (*rpc.Conn, *rpc.Conn) {
	st, ct := transport.NewPipe(transport.Options{})
	server := rpc.NewConn(st, serverOptions)
	client := rpc.NewConn(ct, clientOptions)
	Run(t, server, client)
	return server, client
}

// Run runs connections until test ends.
func Run(t *testing.T, conns ...*rpc.Conn) {
	group := parallel.NewGroup(Context(t))
	for _, c := range conns {
		group.Spawn("conn-"+c.ID(), parallel.Continue, c.Run)
	}

	t.Cleanup(func() {
		for _, c := range conns {
			_ = c.Close()
		}
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})
}
