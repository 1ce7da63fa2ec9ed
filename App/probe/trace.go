// Package probe sends the lightweight HTTP requests used to find out whether a
// freshly started backend accepts traffic yet.
package probe

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// Client is shared by every readiness probe. Redirects are not followed: a 3xx
// already proves the application is serving.
var Client = &http.Client{
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
	},
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// Result is the outcome of one probe with its timing breakdown.
type Result struct {
	StatusCode int
	Total      time.Duration
	DNS        time.Duration
	Connect    time.Duration
	TTFB       time.Duration
}

// Ready reports whether the status proves the application is serving.
// 404 counts as ready: some apps serve content before their root route exists.
func (r Result) Ready() bool {
	return r.StatusCode == http.StatusOK ||
		(r.StatusCode >= 300 && r.StatusCode < 400) ||
		r.StatusCode == http.StatusNotFound
}

// Head sends a HEAD request to url and traces where the time went.
func Head(ctx context.Context, client *http.Client, url string) (Result, error) {
	var dnsStart, dnsDone, connStart, connDone, firstByte time.Time
	trace := &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:              func(httptrace.DNSDoneInfo) { dnsDone = time.Now() },
		ConnectStart:         func(_, _ string) { connStart = time.Now() },
		ConnectDone:          func(_, _ string, _ error) { connDone = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodHead, url, nil)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	res := Result{Total: time.Since(start)}
	if !dnsDone.IsZero() {
		res.DNS = dnsDone.Sub(dnsStart)
	}
	if !connDone.IsZero() {
		res.Connect = connDone.Sub(connStart)
	}
	if !firstByte.IsZero() {
		res.TTFB = firstByte.Sub(start)
	}
	if err != nil {
		return res, err
	}

	// drain the body so the connection can be reused cleanly
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	return res, nil
}
