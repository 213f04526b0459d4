// Package bootstrap supplies the fallback peer address the mesh controller
// dials when none of known_peers was reachable. Address discovery proper
// (how a well-known endpoint is chosen, rotated, or looked up) is an
// external collaborator's concern and out of scope here; this package only
// wires the configured static endpoint behind mesh.Bootstrapper so pkg/mesh
// never has to know where that value came from.
package bootstrap

import (
	"context"
	"errors"
)

// ErrNoBootstrapper is returned when no bootstrapper endpoint was configured.
var ErrNoBootstrapper = errors.New("bootstrap: no endpoint configured")

// Static resolves to a single, fixed address, exactly as settings.bootstrapper
// names in the settings record. It is the only implementation this package
// provides: anything more elaborate (a lookup service, a rotating pool) is
// left to the external collaborator the spec treats this as a stand-in for.
type Static struct {
	addr string
}

// NewStatic wraps addr (already validated by pkg/config) as a Bootstrapper.
// An empty addr means no bootstrapper was configured; Discover then always
// reports ErrNoBootstrapper so callers can skip the fallback attempt cleanly.
func NewStatic(addr string) *Static {
	return &Static{addr: addr}
}

// Discover returns the configured address, or ErrNoBootstrapper if none was
// set. ctx is accepted for interface symmetry with a real discovery
// collaborator and is otherwise unused.
func (s *Static) Discover(ctx context.Context) (string, error) {
	if s.addr == "" {
		return "", ErrNoBootstrapper
	}
	return s.addr, nil
}
