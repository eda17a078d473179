package gatewayconn

import (
	"github.com/octoporty/octoporty/internal/logring"
	"github.com/octoporty/octoporty/internal/wire"
)

// connSink is a logring.Sink that fans every log entry out to whatever
// connection is currently active, fire-and-forget (§4.10): a send
// failure — or no active connection at all — is simply swallowed so
// logging never blocks or errors.
type connSink struct {
	manager *Manager
}

// NewLogSink returns a Sink to attach to the process-wide log ring.
func NewLogSink(manager *Manager) logring.Sink {
	return &connSink{manager: manager}
}

// Publish implements logring.Sink.
func (s *connSink) Publish(entry logring.Entry) {
	session := s.manager.Current()
	if session == nil {
		return
	}
	session.conn.SendMessage(wire.NewGatewayLog(wire.GatewayLog{
		UnixMs:  entry.UnixMs,
		Level:   wire.LogLevel(entry.Level),
		Message: entry.Message,
	}))
}
