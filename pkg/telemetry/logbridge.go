package telemetry

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logBridgeWriter intercepts log.Printf output, extracts the package tag
// every gossipmesh log line carries (the "pkgname: " prefix used throughout
// pkg/peerconn, pkg/mesh, pkg/gossip, ...), and emits an OTel log record per
// line. It also writes all output to stderr to preserve existing behavior.
type logBridgeWriter struct {
	stderr io.Writer
	logger otellog.Logger
}

func (w *logBridgeWriter) Write(p []byte) (int, error) {
	n, err := w.stderr.Write(p)

	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(otellog.SeverityInfo)
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(nil, record) //nolint:staticcheck // nil context is fine for fire-and-forget

	return n, err
}

// parseLogLine splits a gossipmesh log line into its originating package
// and message body. gossipmesh's own packages prefix every line with
// "pkgname: message" (e.g. "peerconn: connection 4 (inbound) closed"); a
// bracketed "[Tag] message" form is also recognized for lines coming from
// adapted teacher code that still uses that convention.
//
// Input:  "2026/02/17 12:00:00 peerconn: connection 4 closed"
// Output: component="peerconn", body="connection 4 closed"
//
// If neither form is found, component is "general" and body is the full
// line (with the stdlib log timestamp prefix stripped if present).
func parseLogLine(line string) (component, body string) {
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	if len(stripped) > 2 && stripped[0] == '[' {
		if end := strings.IndexByte(stripped, ']'); end > 1 {
			return strings.ToLower(stripped[1:end]), strings.TrimSpace(stripped[end+1:])
		}
	}

	if colon := strings.IndexByte(stripped, ':'); colon > 0 {
		candidate := stripped[:colon]
		if !strings.ContainsAny(candidate, " \t") {
			return candidate, strings.TrimSpace(stripped[colon+1:])
		}
	}

	return "general", stripped
}

// InstallLogBridge replaces log.SetOutput with a writer that forwards
// log.Printf output to both stderr and the OTel LoggerProvider. Existing
// log.Printf call sites require zero changes.
func InstallLogBridge(lp *sdklog.LoggerProvider) {
	logger := lp.Logger("gossipmesh.log")
	log.SetOutput(&logBridgeWriter{
		stderr: os.Stderr,
		logger: logger,
	})
}
