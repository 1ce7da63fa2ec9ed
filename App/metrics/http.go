package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// NewHTTPServer serves /metrics on address until ctx is cancelled.
// It returns once the listener is bound.
func NewHTTPServer(address string, wg *sync.WaitGroup, ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	wg.Add(1)

	// Shutdown the server if the context is closed
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	go func() {
		log.Info().Str("address", listener.Addr().String()).Msg("Starting metrics server")
		defer wg.Done()
		defer log.Info().Str("address", address).Msg("Metrics server stopped")

		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return nil
}
