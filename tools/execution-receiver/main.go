// Command execution-receiver is a stand-in execution engine for running
// flowsched locally. Point EXECUTION_URL at http://<addr>/executions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/logging"
)

func main() {
	logger, err := logging.New(envOr("LOG_LEVEL", "info"), false)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	delay, err := time.ParseDuration(envOr("CALLBACK_DELAY", "1s"))
	if err != nil {
		logger.Fatal("invalid CALLBACK_DELAY", zap.Error(err))
	}

	// CALLBACK_URL is the flowsched HTTP address, e.g. http://localhost:8080.
	recv := NewReceiver(os.Getenv("EXECUTION_SECRET"), os.Getenv("CALLBACK_URL"), delay, logger)
	srv := &http.Server{
		Addr:              envOr("ADDR", ":8081"),
		Handler:           recv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("execution-receiver listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	recv.Wait()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
