package ybd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the process
// receives SIGINT or SIGTERM. A second signal terminates the process
// immediately with a non-zero status, for the case where cleanup hangs.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		canc()
		<-sig
		os.Exit(130) // 128 + SIGINT
	}()
	return ctx, canc
}
