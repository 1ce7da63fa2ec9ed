// Package server runs the public proxy listener and moves it to a new port when the
// configuration asks for one.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ShutdownTimeout bounds how long a replaced listener waits for in-flight requests.
const ShutdownTimeout = 10 * time.Second

// Server serves one handler on a single, replaceable port.
type Server struct {
	handler http.Handler
	host    string

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
	port int
	wg   sync.WaitGroup
}

// New returns a server for handler listening on all interfaces once Listen is called.
func New(handler http.Handler) *Server {
	return &Server{handler: handler}
}

// Listen binds port and starts serving. Port 0 picks a free one.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already listening")
	}
	return s.bindLocked(port)
}

// Rebind moves the server to port. The new listener is bound before the old one is
// drained, so a failed bind leaves the current port in service.
func (s *Server) Rebind(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil && port == s.port {
		return nil
	}

	old := s.srv
	if err := s.bindLocked(port); err != nil {
		return err
	}
	if old != nil {
		go shutdown(old)
	}
	return nil
}

// Addr returns the address currently bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown drains the current listener and waits for every serve loop to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *Server) bindLocked(port int) error {
	// SO_REUSEADDR only: a second process must not share the port
	lc := net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = os.NewSyscallError("setsockopt", unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
			}); err != nil {
				return err
			}
			return operr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.srv, s.addr, s.port = srv, listener.Addr(), port

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("address", listener.Addr().String()).Msg("Proxy listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Proxy listener failed")
		}
	}()
	return nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Previous proxy listener did not drain in time")
		srv.Close()
	}
}
