package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// CreateGracefulShutdownContext returns a context cancelled on SIGTERM or SIGINT.
func CreateGracefulShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
