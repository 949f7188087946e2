package service

import (
	"context"
	"fmt"
	"net"
	"os"
)

// Run implements the hidden serve command: it listens on the configured
// socket and serves render jobs until the service is idle, a shutdown is
// requested or ctx is cancelled.
func Run(ctx context.Context, cfg Config, server ServerConfig) error {
	if server.IdleShutdown == 0 {
		server.IdleShutdown = cfg.IdleShutdown
	}
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Socket, err)
	}
	defer func() {
		_ = os.Remove(cfg.Socket)
	}()
	return NewServer(server).Serve(ctx, ln)
}
