// Command plantctl runs the plant supervisory controller against a real
// fieldbus collaborator (wired in by the deployment, not by this package).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/watertreat/supervisor/internal/config"
	"github.com/watertreat/supervisor/internal/logging"
	"github.com/watertreat/supervisor/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/watertreat-supervisor/plant.toml", "plant topology TOML file")
	flag.Parse()

	log, err := logging.New(zapcore.InfoLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load plant topology", zap.Error(err))
	}

	// No real fieldbus collaborator is wired in this reference build (the
	// wire protocol implementation is a Non-goal, §1): plantctl runs with
	// no Exchange bound, so RTU connect/discovery commands fail loudly
	// with "not initialized" while the Registry, Control Engine, Alarm
	// Evaluator, and IPC Bridge stay fully live against whatever the
	// operator drives through the shared-memory command slot and the
	// Registry's own direct accessors.
	sup, err := supervisor.New(cfg, nil, nil, log)
	if err != nil {
		log.Fatal("failed to build supervisor", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("supervisor exited with error", zap.Error(err))
	}
}
