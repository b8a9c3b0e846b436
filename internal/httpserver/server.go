// Package httpserver runs an http.Server to completion against a
// cancellable context, shutting it down gracefully once the context is
// done: Shutdown stops accepting new connections and waits for in-flight
// requests to finish.
//
// Grounded on the teacher's httpserver.App (net.Listener + errgroup
// serve/shutdown race); simplified to a single function since this
// pipeline has no bedrock.App lifecycle to satisfy and no need for a
// pluggable error-log handler.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Serve runs server against ls until ctx is cancelled, then shuts server
// down. Returns nil on a clean shutdown (including ctx cancellation);
// any other Serve/Shutdown error is returned as-is.
func Serve(ctx context.Context, server *http.Server, ls net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Serve(ls)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return server.Shutdown(context.Background())
	})

	err := eg.Wait()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
