package engine

import (
	"context"
	"os/signal"
	"syscall"
)

func setupSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
