package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that reports done once a SIGINT or
// SIGTERM is received. In-flight work is expected to drain cooperatively; there
// is no second-signal hard kill.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.WithField("signal", sig.String()).Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
