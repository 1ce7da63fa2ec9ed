// Package functions implements the nursery's core: the per-backend lifecycle state
// machine, the activity tracking that keeps a backend awake, the route table and the
// dispatcher that forwards traffic, and the Docker runtime client they drive.
package functions

import "errors"

var (
	// ErrNoHost is returned when a request carries no Host header.
	ErrNoHost = errors.New("request header host wasn't specified")

	// ErrNoRoute is returned when no configured domain matches a request.
	ErrNoRoute = errors.New("proxy configuration is missing")

	// ErrUpstreamUnreachable wraps forwarding failures.
	ErrUpstreamUnreachable = errors.New("host is not reachable")

	// ErrRuntimeOperation wraps failed container starts and stops.
	ErrRuntimeOperation = errors.New("container runtime operation failed")
)
