package functions

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xaydras-2/containerNursery/App/config"
	"github.com/xaydras-2/containerNursery/App/metrics"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// RequestIDHeader correlates a request across proxy and upstream logs.
const RequestIDHeader = "X-Request-Id"

// Router resolves a request to the backend serving it.
type Router interface {
	Route(host, path string) (*Backend, error)
}

// Proxy is the HTTP entry point: it resolves each request to a backend, registers
// it as activity and forwards it to the backend's current target.
type Proxy struct {
	router      Router
	reverse     *httputil.ReverseProxy
	unreachable rate.Sometimes
}

type forwardKey struct{}

// forward is what the director and the error handler need to know about a request.
type forward struct {
	backend   string
	target    structers.Target
	headers   map[string]string
	requestID string
	upgrade   bool
}

func NewProxy(router Router) *Proxy {
	p := &Proxy{
		router:      router,
		unreachable: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	p.reverse = &httputil.ReverseProxy{
		Director:       p.direct,
		Transport:      transport,
		ModifyResponse: modifyResponse,
		ErrorHandler:   p.handleError,
		FlushInterval:  -1,
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := isUpgrade(r)

	b, err := p.router.Route(r.Host, r.URL.Path)
	if err != nil {
		p.reject(w, r, err, upgrade)
		return
	}

	var activity *Activity
	if upgrade {
		activity = b.NewSocketConnection()
	} else {
		activity = b.NewConnection()
	}
	defer activity.Done()

	target := b.Target()
	kind := "placeholder"
	if target == b.Upstream() {
		kind = "upstream"
	}
	metrics.ProxiedRequests.WithLabelValues(b.Name(), kind).Inc()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(RequestIDHeader, requestID)
	}

	log.Debug().
		Str("request_id", requestID).
		Str("host", r.Host).
		Str("path", r.URL.Path).
		Str("backend", b.Name()).
		Stringer("target", target).
		Bool("upgrade", upgrade).
		Msg("Forwarding request")

	fw := &forward{
		backend:   b.Name(),
		target:    target,
		headers:   b.Headers(),
		requestID: requestID,
		upgrade:   upgrade,
	}
	p.reverse.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), forwardKey{}, fw)))
}

// direct rewrites the outgoing request towards the chosen target. The original Host
// header is kept so virtual hosting keeps working upstream.
func (p *Proxy) direct(req *http.Request) {
	fw := req.Context().Value(forwardKey{}).(*forward)

	u := fw.target.URL()
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host

	for k, v := range fw.headers {
		req.Header.Set(k, v)
	}

	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Host", req.Host)
	req.Header.Set("X-Forwarded-Proto", proto)

	// stop the transport from adding its own
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

func modifyResponse(resp *http.Response) error {
	stripSecureCookies(resp.Header)
	resp.Header.Set(config.ProxiedByHeader, config.PoweredBy)
	return nil
}

// stripSecureCookies drops the Secure attribute so cookies survive plain-HTTP access
// to the proxy.
func stripSecureCookies(h http.Header) {
	cookies := h["Set-Cookie"]
	for i, cookie := range cookies {
		parts := strings.Split(cookie, ";")
		kept := parts[:0]
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if strings.EqualFold(part, "secure") {
				continue
			}
			kept = append(kept, part)
		}
		cookies[i] = strings.Join(kept, "; ")
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	fw, _ := r.Context().Value(forwardKey{}).(*forward)
	if fw == nil {
		fw = &forward{}
	}

	// the client went away, nobody is left to answer
	if errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("request_id", fw.requestID).Msg("Client closed request")
		return
	}

	err = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	metrics.ProxyErrors.WithLabelValues("unreachable").Inc()
	p.unreachable.Do(func() {
		log.Warn().Err(err).Str("backend", fw.backend).Stringer("target", fw.target).Msg("Upstream unreachable")
	})
	log.Debug().Err(err).Str("request_id", fw.requestID).Str("backend", fw.backend).Msg("Forwarding failed")

	if fw.upgrade {
		dropConnection(w)
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error: Host is not reachable %s", fw.target))
}

func (p *Proxy) reject(w http.ResponseWriter, r *http.Request, err error, upgrade bool) {
	var body, kind string
	switch {
	case errors.Is(err, ErrNoHost):
		kind, body = "no_host", "Error: Request header host wasn't specified"
	default:
		kind, body = "no_route", fmt.Sprintf("Error: Proxy configuration is missing for %s", stripPort(r.Host))
	}
	metrics.ProxyErrors.WithLabelValues(kind).Inc()

	if upgrade {
		log.Warn().Err(err).Str("host", r.Host).Msg("Rejecting socket upgrade")
		dropConnection(w)
		return
	}
	log.Debug().Err(err).Str("host", r.Host).Str("path", r.URL.Path).Msg("Rejecting request")
	writeError(w, http.StatusBadRequest, body)
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(config.ProxiedByHeader, config.PoweredBy)
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// dropConnection closes the client connection without answering, for upgrades that
// cannot be served.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
