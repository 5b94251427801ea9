// Command bitsenderd is the packet-crafting and network-diagnostics daemon:
// it exposes the packet builder, rate-controlled transmitter, and
// capture/response correlator as a JSON-over-HTTP API on a Unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jarbozhang/bit-sender/internal/capture"
	"github.com/jarbozhang/bit-sender/internal/correlator"
	"github.com/jarbozhang/bit-sender/internal/rawlink"
	"github.com/jarbozhang/bit-sender/internal/runtime"
	"github.com/jarbozhang/bit-sender/internal/transmitter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sockFile             = flag.String("sock-file", "/var/run/bitsenderd/bitsenderd.sock", "path to bitsenderd domain socket")
	versionFlag          = flag.Bool("version", false, "build version")
	enableVerboseLogging = flag.Bool("v", false, "enables verbose logging")
	metricsEnable        = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerboseLogging {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bitsenderd_build_info",
				Help: "Build information of the daemon",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())

			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("failed to start prometheus metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := transmitter.NewRegistry(logger)
	pipeline := capture.NewPipeline(logger, capture.DefaultOpen)
	mon := correlator.NewMonitor(logger, pipeline, func(iface string) (rawlink.Sender, error) {
		return rawlink.Open(iface)
	})

	if err := runtime.Run(ctx, *sockFile, reg, pipeline, mon); err != nil {
		slog.Error("runtime error", "error", err)
		os.Exit(1)
	}
}
