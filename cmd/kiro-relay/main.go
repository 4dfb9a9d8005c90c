// Command kiro-relay runs the translating proxy as a standalone server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-relay/kiro-relay/internal/api"
	"github.com/kiro-relay/kiro-relay/internal/config"
	"github.com/kiro-relay/kiro-relay/internal/engine"
	"github.com/kiro-relay/kiro-relay/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiro-relay: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{Debug: cfg.Debug, ToFile: cfg.LoggingToFile}); err != nil {
		fmt.Fprintf(os.Stderr, "kiro-relay: %v\n", err)
		os.Exit(1)
	}

	svc, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("kiro-relay: build engine: %v", err)
	}

	server := api.New(svc, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()
	go func() { errCh <- server.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Errorf("kiro-relay: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Errorf("kiro-relay: shutdown: %v", err)
	}
}
