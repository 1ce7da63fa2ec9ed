// Package placeholder serves the "waking up" page shown while a backend's
// containers are starting.
package placeholder

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xaydras-2/containerNursery/App/config"
)

// RefreshSeconds is how often the page reloads itself.
const RefreshSeconds = 1

var page = template.Must(template.New("placeholder").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="{{.Refresh}}">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{if .ContainerName}}{{.ContainerName}} is waking up{{else}}Waking up{{end}}</title>
  <style>
    body { font-family: sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; background: #f4f4f5; color: #27272a; }
    main { text-align: center; }
    small { color: #71717a; }
  </style>
</head>
<body>
  <main>
    <h1>{{if .ContainerName}}{{.ContainerName}}{{else}}The service{{end}} is waking up</h1>
    <p>This page reloads on its own once it is ready.</p>
    <small>{{.PoweredBy}}</small>
  </main>
</body>
</html>
`))

type pageData struct {
	ContainerName string
	Refresh       int
	PoweredBy     string
}

// Handler answers every path with the waking up page, naming the container carried
// in the backend-identity header.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", config.PoweredBy)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if r.Method == http.MethodHead {
			return
		}

		data := pageData{
			ContainerName: r.Header.Get(config.ContainerNameHeader),
			Refresh:       RefreshSeconds,
			PoweredBy:     config.PoweredBy,
		}
		if err := page.Execute(w, data); err != nil {
			log.Debug().Err(err).Msg("Writing placeholder page failed")
		}
	})
}

// Serve runs the placeholder on the loopback interface until ctx is cancelled.
// It returns once the listener is bound.
func Serve(ctx context.Context, wg *sync.WaitGroup) (net.Addr, error) {
	address := net.JoinHostPort(config.PlaceholderHost, strconv.Itoa(config.PlaceholderPort))
	return serve(ctx, wg, address)
}

func serve(ctx context.Context, wg *sync.WaitGroup, address string) (net.Addr, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		defer wg.Done()
		log.Info().Str("address", listener.Addr().String()).Msg("Proxy placeholder server listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Placeholder server failed")
		}
	}()

	return listener.Addr(), nil
}
