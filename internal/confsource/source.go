// Package confsource defines the "configuration source" external
// interface (§6) the Agent tunnel driver reads from, plus a minimal
// file-backed reference implementation so the Agent binary runs
// standalone. The real persistent store (key-value + typed-row store,
// web UI, REST CRUD) is out of scope (§1) — this package is only the
// seam and a usable default.
package confsource

import (
	"time"

	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

// Source is the read-only contract the Agent driver depends on.
type Source interface {
	// ListEnabledMappings returns enabled mappings ordered by id.
	ListEnabledMappings() ([]tunnelmsg.Mapping, error)
	// GetLandingPage returns the landing-page HTML and its lowercase-hex
	// MD5 hash.
	GetLandingPage() (html string, hash string, err error)
	// OnChange registers a callback invoked whenever the stored
	// configuration changes, so the driver can trigger
	// ResyncConfiguration. Returns an unsubscribe function.
	OnChange(fn func()) (unsubscribe func())
}
