package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func setAttr(set string) attribute.KeyValue { return attribute.String("set", set) }

func validAttr(valid bool) attribute.KeyValue { return attribute.Bool("valid", valid) }

// Metrics holds the counters gossipmesh emits for wire handling, handshake
// outcomes, peer-set churn, and dissemination. All instruments are safe to
// use against a noop MeterProvider (the default when telemetry export is
// not configured).
type Metrics struct {
	framesParsed    metric.Int64Counter
	framesRejected  metric.Int64Counter
	handshakeOK     metric.Int64Counter
	handshakeFailed metric.Int64Counter
	peerAdmitted    metric.Int64Counter
	peerEvicted     metric.Int64Counter
	announceForward metric.Int64Counter
	validationDone  metric.Int64Counter
}

func newMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("gossipmesh")
	m := &Metrics{}
	var err error

	if m.framesParsed, err = meter.Int64Counter("gossipmesh.frames.parsed",
		metric.WithDescription("wire frames successfully decoded")); err != nil {
		return nil, fmt.Errorf("telemetry: frames.parsed: %w", err)
	}
	if m.framesRejected, err = meter.Int64Counter("gossipmesh.frames.rejected",
		metric.WithDescription("wire frames rejected as malformed or unknown")); err != nil {
		return nil, fmt.Errorf("telemetry: frames.rejected: %w", err)
	}
	if m.handshakeOK, err = meter.Int64Counter("gossipmesh.handshake.succeeded",
		metric.WithDescription("peer handshakes that reached full validation")); err != nil {
		return nil, fmt.Errorf("telemetry: handshake.succeeded: %w", err)
	}
	if m.handshakeFailed, err = meter.Int64Counter("gossipmesh.handshake.failed",
		metric.WithDescription("peer handshakes that failed PoW or protocol checks")); err != nil {
		return nil, fmt.Errorf("telemetry: handshake.failed: %w", err)
	}
	if m.peerAdmitted, err = meter.Int64Counter("gossipmesh.peers.admitted",
		metric.WithDescription("connections admitted to the unverified, push, or pull set")); err != nil {
		return nil, fmt.Errorf("telemetry: peers.admitted: %w", err)
	}
	if m.peerEvicted, err = meter.Int64Counter("gossipmesh.peers.evicted",
		metric.WithDescription("connections evicted or closed for set-capacity reasons")); err != nil {
		return nil, fmt.Errorf("telemetry: peers.evicted: %w", err)
	}
	if m.announceForward, err = meter.Int64Counter("gossipmesh.announce.forwarded",
		metric.WithDescription("PEER_ANNOUNCE messages forwarded after subscriber validation")); err != nil {
		return nil, fmt.Errorf("telemetry: announce.forwarded: %w", err)
	}
	if m.validationDone, err = meter.Int64Counter("gossipmesh.validation.resolved",
		metric.WithDescription("pending-validation entries resolved, by outcome")); err != nil {
		return nil, fmt.Errorf("telemetry: validation.resolved: %w", err)
	}
	return m, nil
}

// Each method is a safe no-op on a nil *Metrics, so callers that treat
// telemetry as optional (e.g. a package wired without a daemon) don't need
// their own nil checks.

func (m *Metrics) FrameParsed() {
	if m != nil {
		m.framesParsed.Add(context.Background(), 1)
	}
}

func (m *Metrics) FrameRejected() {
	if m != nil {
		m.framesRejected.Add(context.Background(), 1)
	}
}

func (m *Metrics) HandshakeSucceeded() {
	if m != nil {
		m.handshakeOK.Add(context.Background(), 1)
	}
}

func (m *Metrics) HandshakeFailed() {
	if m != nil {
		m.handshakeFailed.Add(context.Background(), 1)
	}
}

func (m *Metrics) PeerAdmitted(set string) {
	if m != nil {
		m.peerAdmitted.Add(context.Background(), 1, metric.WithAttributes(setAttr(set)))
	}
}

func (m *Metrics) PeerEvicted(set string) {
	if m != nil {
		m.peerEvicted.Add(context.Background(), 1, metric.WithAttributes(setAttr(set)))
	}
}

func (m *Metrics) AnnounceForwarded() {
	if m != nil {
		m.announceForward.Add(context.Background(), 1)
	}
}

func (m *Metrics) ValidationResolved(valid bool) {
	if m != nil {
		m.validationDone.Add(context.Background(), 1, metric.WithAttributes(validAttr(valid)))
	}
}
