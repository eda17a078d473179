// Package tunnelmsg holds the small set of types both the Agent and
// Gateway binaries import directly: the port-mapping shape and the
// config-hash helper, mirroring the teacher's sdk/forward split between
// wire-adjacent types and the rest of the client SDK.
package tunnelmsg

import (
	"time"

	"github.com/octoporty/octoporty/internal/wire"
)

// Mapping is the Agent-side view of one port mapping (§3 PortMapping).
// The configuration source returns the enabled rows sorted by id; the
// Agent driver converts them to wire.MappingSnapshot for ConfigSync.
type Mapping struct {
	ID              string
	ExternalDomain  string
	InternalHost    string
	InternalPort    int
	InternalUseTLS  bool
	AllowSelfSigned bool
	Enabled         bool
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ToSnapshot converts a Mapping to its wire form.
func (m Mapping) ToSnapshot() wire.MappingSnapshot {
	return wire.MappingSnapshot{
		ID:              m.ID,
		ExternalDomain:  m.ExternalDomain,
		InternalHost:    m.InternalHost,
		InternalPort:    m.InternalPort,
		InternalUseTLS:  m.InternalUseTLS,
		AllowSelfSigned: m.AllowSelfSigned,
	}
}
