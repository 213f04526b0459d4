// Package daemon wires the mesh controller, dissemination engine, and local
// API listener into a running process: it owns both TCP listeners, handles
// OS shutdown signals, and ties pkg/config, pkg/telemetry and pkg/bootstrap
// together the way a process entrypoint needs.
package daemon

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/litnet/gossipmesh/pkg/apiconn"
	"github.com/litnet/gossipmesh/pkg/bootstrap"
	"github.com/litnet/gossipmesh/pkg/config"
	"github.com/litnet/gossipmesh/pkg/mesh"
	"github.com/litnet/gossipmesh/pkg/netaddr"
	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/telemetry"
)

// Daemon owns the mesh controller and the local API listener for one
// process instance.
type Daemon struct {
	settings *config.Settings
	mesh     *mesh.Mesh
	subs     *subscriber.Registry
	metrics  *telemetry.Metrics
	shutdown func(context.Context)

	apiListener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Daemon from validated settings. It does not start any
// network listener; call Run for that.
func New(settings *config.Settings) (*Daemon, error) {
	localAddr, err := netaddr.Parse(settings.P2PAddress)
	if err != nil {
		return nil, fmt.Errorf("daemon: P2PAddress: %w", err)
	}

	metrics, shutdown, err := telemetry.Init(context.Background(), "gossipmesh", "dev")
	if err != nil {
		return nil, fmt.Errorf("daemon: telemetry init: %w", err)
	}

	subs := subscriber.New()
	m := mesh.New(settings, localAddr, subs, bootstrap.NewStatic(settings.Bootstrapper))
	m.SetMetrics(metrics)
	m.Engine().SetMetrics(metrics)

	return &Daemon{
		settings: settings,
		mesh:     m,
		subs:     subs,
		metrics:  metrics,
		shutdown: shutdown,
	}, nil
}

// Run starts the mesh and the local API listener, then blocks until an
// interrupt/terminate signal arrives or ctx is cancelled by the caller. It
// always returns after a full, ordered shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.shutdown(context.Background())

	log.Printf("daemon: starting gossipmesh")

	if err := d.mesh.Start(); err != nil {
		return fmt.Errorf("daemon: starting mesh: %w", err)
	}
	defer d.mesh.Stop()

	ln, err := net.Listen("tcp", d.settings.APIAddress)
	if err != nil {
		return fmt.Errorf("daemon: listen api %s: %w", d.settings.APIAddress, err)
	}
	d.apiListener = ln
	defer ln.Close()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptAPILoop(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	slog.Info("daemon: running", "p2p_address", d.settings.P2PAddress, "api_address", d.settings.APIAddress)

	select {
	case sig := <-sigCh:
		slog.Info("daemon: shutting down", "reason", "signal", "signal", sig.String())
	case <-d.ctx.Done():
		slog.Info("daemon: shutting down", "reason", "context_cancelled")
	}

	d.cancel()
	ln.Close()
	d.wg.Wait()
	return nil
}

// Shutdown cancels the daemon's context, signalling Run to begin an
// orderly shutdown. Safe to call before Run returns; does not block.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) acceptAPILoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				log.Printf("daemon: api accept: %v", err)
				continue
			}
		}
		ac := apiconn.New(conn, d.mesh.Engine(), d.subs)
		ac.SetMetrics(d.metrics)
		ac.Start()
	}
}
