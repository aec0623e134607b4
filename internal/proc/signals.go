package proc

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// NotifyStop returns a context cancelled on SIGINT or SIGTERM, and ignores
// SIGHUP so a closing controlling terminal never kills a capture session.
//
// The handler only flips the cancellation; all real cleanup (closing the
// device, finalizing the in-flight utterance, removing the PID file) happens
// in normal control flow once the context is observed done. Install this
// before registering the PID so a stop signal racing registration is not
// lost: the context is already cancelled when the capture loop makes its
// first check.
func NotifyStop(parent context.Context) (context.Context, context.CancelFunc) {
	signal.Ignore(unix.SIGHUP)

	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)

	go func() {
		select {
		case sig := <-ch:
			slog.Info("received stop signal, finishing up", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()

	return ctx, cancel
}
