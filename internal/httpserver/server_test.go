package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptFunc func() (net.Conn, error)

func (f acceptFunc) Accept() (net.Conn, error) { return f() }
func (acceptFunc) Close() error                { return nil }
func (acceptFunc) Addr() net.Addr              { return nil }

func TestServe_ReturnsErrorWhenListenerAcceptFails(t *testing.T) {
	acceptErr := errors.New("failed to accept conn")
	ls := acceptFunc(func() (net.Conn, error) { return nil, acceptErr })
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})}

	err := Serve(context.Background(), server, ls)
	assert.ErrorIs(t, err, acceptErr)
}

func TestServe_ReturnsNilWhenContextAlreadyCancelled(t *testing.T) {
	ls, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})}
	assert.NoError(t, Serve(ctx, server, ls))
}

func TestServe_ShutsDownWhenContextCancelledMidRequest(t *testing.T) {
	ls, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer cancel()
		w.WriteHeader(http.StatusOK)
	})}

	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, server, ls) }()

	resp, err := http.DefaultClient.Get(fmt.Sprintf("http://%s/", ls.Addr()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, <-errCh)
}
