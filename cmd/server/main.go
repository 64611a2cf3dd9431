package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/corvidlabs/graphrag-backend/internal/app"
	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/shutdown"
)

const (
	exitOK               = 0
	exitUnexpected       = 1
	exitInvalidArgs      = 2
	exitStoreUnavailable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return exitUnexpected
	}
	defer log.Sync()

	observability.Init(log)

	a, err := app.New(log)
	if err != nil {
		log.Error("boot failed", "error", err)
		switch {
		case errors.Is(err, app.ErrInvalidConfig):
			return exitInvalidArgs
		case errors.Is(err, app.ErrStoreUnavailable):
			return exitStoreUnavailable
		default:
			return exitUnexpected
		}
	}

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	err = a.Run(ctx)
	a.Close(context.Background())
	if err != nil {
		log.Error("server exited with error", "error", err)
		return exitUnexpected
	}
	return exitOK
}
