// btsockd serves a Bluetooth socket backend over the service RPC socket.
//
// Applications reach it with sockrpc.NewClient(path) as their
// btsocket.Service. The loopback backend connects local clients to local
// listeners and needs no hardware; the bluez backend brokers RFCOMM
// connections through BlueZ on the system bus.
//
// Usage:
//
//	btsockd [--config btsockd.yaml] [--listen PATH] [--backend loopback|bluez] [--log-level LEVEL]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/bluez"
	"github.com/go-i2p/go-btsocket/loopback"
	"github.com/go-i2p/go-btsocket/sockrpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// backend is a Service the daemon can shut down.
type backend interface {
	btsocket.Service
	io.Closer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, backendName, logLevel string

	flagSet := pflag.NewFlagSet("btsockd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to btsockd YAML config")
	flagSet.StringVar(&listen, "listen", "", "service RPC socket path (overrides config)")
	flagSet.StringVar(&backendName, "backend", "", "backend: loopback or bluez (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if backendName != "" {
		cfg.Backend = backendName
	}
	if logLevel != "" {
		cfg.Socket.LogLevel = logLevel
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := configureLogging(&cfg.Socket); err != nil {
		return err
	}

	svc, err := createBackend(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := sockrpc.NewServer(svc)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe(cfg.Listen)
	}()

	log.Info().
		Str("backend", cfg.Backend).
		Str("listen", cfg.Listen).
		Msg("btsockd started")

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
		srv.Close()
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, sockrpc.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// configureLogging sets up the zerolog logger with console output and the
// configured level.
func configureLogging(cfg *btsocket.Config) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

// createBackend builds the configured Service.
func createBackend(cfg *daemonConfig) (backend, error) {
	codec, err := cfg.Socket.Codec()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case backendBluez:
		return bluez.New(cfg.Bluez, codec)
	default:
		return loopback.New(cfg.Loopback, codec), nil
	}
}
