// Package runtime wires the engine's three subsystems (transmitter, capture,
// correlator) to a Unix-socket HTTP API and drives the server's lifecycle,
// mirroring the teacher's client/doublezerod/internal/runtime package.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/jarbozhang/bit-sender/internal/api"
	"github.com/jarbozhang/bit-sender/internal/capture"
	"github.com/jarbozhang/bit-sender/internal/correlator"
	"github.com/jarbozhang/bit-sender/internal/transmitter"
	"golang.org/x/sys/unix"
)

// Run binds the command-surface API to sockFile and blocks until ctx is
// cancelled or the server exits with an error. The capture pipeline's and
// correlator's background machinery stays idle until a client activates
// them via /capture/start and /monitor/start.
func Run(ctx context.Context, sockFile string, reg *transmitter.Registry, pipeline *capture.Pipeline, mon *correlator.Monitor) error {
	errCh := make(chan error, 1)

	mux := api.NewMux(reg, pipeline, mon)

	opts := []api.Option{
		api.WithBaseContext(ctx),
		api.WithHandler(mux),
	}
	if sockFile != "" {
		opts = append(opts, api.WithSockFile(sockFile))
	}
	srv := api.NewApiServer(opts...)

	lis, err := net.Listen("unix", sockFile)
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	defer unix.Unlink(sockFile) //nolint:errcheck

	if err := os.Chmod(sockFile, 0666); err != nil {
		slog.Error("error setting socket file perms", "error", err)
	}

	slog.Info("http: starting api server", "sock_file", sockFile)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("teardown: cleaning up and closing")
		if pipeline.Running() {
			_, _ = pipeline.Stop()
		}
		if mon.Running() {
			_, _ = mon.Stop()
		}
		srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
