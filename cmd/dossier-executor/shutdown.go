package main

import (
	"context"
	"errors"
	"time"

	"github.com/wb-go/wbf/zlog"
)

const shutdownTimeout = 5 * time.Second

type waiter interface {
	Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type closer interface {
	Close()
}

// drain stops consumers and running jobs, then the HTTP server. The tracker
// closes last because both jobs and HTTP handlers send commands to it.
func drain(consumers, jobs waiter, srv shutdowner, tracker closer) {
	// Stop consuming, then let dispatched jobs settle their status.
	consumers.Wait()
	jobs.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	tracker.Close()
}
