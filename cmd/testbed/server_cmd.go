package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/banksean/testbed/server"
	"github.com/banksean/testbed/watch"
)

type ServerCmd struct {
	IPAddress string `arg:"" help:"address the server should listen on"`
	Port      string `arg:"" help:"port the server should listen on"`
}

func (c *ServerCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := server.SetupTracing(ctx)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	watcher := &watch.Watcher{
		Ledger: engine.Ledger,
		Logs:   engine.Logs,
		Stop:   engine.Deployer.StopDeployment,
	}
	go watcher.Run(ctx)

	srv := server.New(engine.Deployer, cctx.Paths)
	return srv.ListenAndServe(ctx, net.JoinHostPort(c.IPAddress, c.Port))
}
