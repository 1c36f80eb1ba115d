// Package ledger implements the read-side predicates of the
// block/override ledger: which upstream advisories are candidates for
// a mirror on a given matcher pass.
package ledger

import (
	"time"

	"github.com/rocky-linux/apollo"
)

// GracePeriod is the design parameter of spec.md §4.5: a Block younger
// than this does not suppress a retry.
const GracePeriod = 14 * 24 * time.Hour

// AdvisoryWithPackages pairs an upstream advisory with its packages,
// the minimal projection the ledger and matcher need to decide
// candidacy and perform arch-restricted matching.
type AdvisoryWithPackages struct {
	Advisory apollo.UpstreamAdvisory
	Packages []apollo.UpstreamPackage
}

// IsBlocked reports whether a Block suppresses retry at the given
// instant: it must be at least [GracePeriod] old.
func IsBlocked(b apollo.Block, now time.Time) bool {
	return now.Sub(b.CreatedAt) >= GracePeriod
}

// Candidates computes the set of advisories eligible for matching on
// one mirror: (base ∪ pendingOverrides) \ aged-out-blocks, restricted
// to advisories carrying at least one package and deduplicated by
// advisory id.
//
// A Block whose advisory has a pending override is never treated as
// blocking, regardless of age — the override forces inclusion. base
// is expected to already be sorted by IssuedAt ascending (spec.md §5's
// ordering guarantee); pendingOverrides are appended after it, as the
// reference implementation does.
func Candidates(base, pendingOverrides []AdvisoryWithPackages, blocks []apollo.Block, now time.Time) []AdvisoryWithPackages {
	overridden := make(map[int64]bool, len(pendingOverrides))
	for _, o := range pendingOverrides {
		overridden[o.Advisory.ID] = true
	}

	blocked := make(map[int64]bool)
	for _, b := range blocks {
		if overridden[b.UpstreamAdvisoryID] {
			continue
		}
		if IsBlocked(b, now) {
			blocked[b.UpstreamAdvisoryID] = true
		}
	}

	seen := make(map[int64]bool)
	out := make([]AdvisoryWithPackages, 0, len(base)+len(pendingOverrides))
	for _, group := range [][]AdvisoryWithPackages{base, pendingOverrides} {
		for _, a := range group {
			if len(a.Packages) == 0 {
				continue
			}
			if blocked[a.Advisory.ID] {
				continue
			}
			if seen[a.Advisory.ID] {
				continue
			}
			seen[a.Advisory.ID] = true
			out = append(out, a)
		}
	}
	return out
}
