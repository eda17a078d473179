package tunnelmsg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/octoporty/octoporty/internal/wire"
)

// ConfigHash computes the 16-hex-char prefix of sha-256 over the
// canonical serialization of a sorted mapping snapshot list (§4.5
// Syncing step). Snapshots are sorted by id here so callers can pass
// an unsorted slice and still get a deterministic hash.
func ConfigHash(snapshots []wire.MappingSnapshot) string {
	sorted := make([]wire.MappingSnapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, s := range sorted {
		fmt.Fprintf(h, "%s|%s|%s|%d|%t|%t\n",
			s.ID, s.ExternalDomain, s.InternalHost, s.InternalPort, s.InternalUseTLS, s.AllowSelfSigned)
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}
