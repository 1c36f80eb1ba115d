// Package orchestration implements the activity/workflow contract of
// spec.md §6: the small set of side-effecting operations an external
// scheduler drives, and the two workflows (RhMatcherWorkflow,
// PollWorkflow) that sequence them. It also implements the
// "match_product"/"block_unmatched_for_product" activities themselves,
// wiring internal/ledger, internal/matcher and internal/cloner
// together over one product's mirrors.
//
// Modeled on libvuln/driver's "small interface any plugin can
// implement" shape and libvuln/updates.go's "driver calls interface,
// loop calls driver" orchestration style.
package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/cloner"
	"github.com/rocky-linux/apollo/internal/ledger"
	"github.com/rocky-linux/apollo/internal/matcher"
	"github.com/rocky-linux/apollo/repomd"
)

// Per-activity deadlines, spec.md §6.
const (
	ListProductsDeadline   = 20 * time.Second
	MatchProductDeadline   = 12 * time.Hour
	BlockUnmatchedDeadline = 12 * time.Hour
	GetLastIndexedDeadline = 20 * time.Second
	PollUpstreamDeadline   = 2 * time.Hour
)

// ProductLister implements the list_products_with_mirrors activity.
type ProductLister interface {
	ListProductsWithMirrors(ctx context.Context) ([]int64, error)
}

// ProductMatcher implements the match_product activity.
type ProductMatcher interface {
	MatchProduct(ctx context.Context, productID int64) error
}

// Blocker implements the block_unmatched_for_product activity.
type Blocker interface {
	BlockUnmatchedForProduct(ctx context.Context, productID int64) error
}

// IndexStateReader implements the get_last_indexed_at activity.
type IndexStateReader interface {
	GetLastIndexedAt(ctx context.Context) (*time.Time, error)
}

// UpstreamPoller implements the poll_upstream activity. Its
// implementation is out of scope for this module; RhMatcherWorkflow
// and PollWorkflow only depend on the interface.
type UpstreamPoller interface {
	PollUpstream(ctx context.Context, from time.Time) error
}

// RhMatcherWorkflow iterates list_products_with_mirrors (optionally
// restricted to a single product id) and calls match_product for
// each, per spec.md §6. A per-product error is logged and does not
// stop the remaining products; context cancellation propagates
// immediately.
func RhMatcherWorkflow(ctx context.Context, lister ProductLister, m ProductMatcher, productFilter *int64) error {
	log := slog.Default().With("component", "internal/orchestration.RhMatcherWorkflow")

	listCtx, cancel := context.WithTimeout(ctx, ListProductsDeadline)
	ids, err := lister.ListProductsWithMirrors(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("internal/orchestration: listing products: %w", err)
	}

	for _, id := range ids {
		if productFilter != nil && *productFilter != id {
			continue
		}
		matchCtx, cancel := context.WithTimeout(ctx, MatchProductDeadline)
		err := m.MatchProduct(matchCtx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("match_product failed", "product_id", id, "err", err)
			continue
		}
		log.Info("match_product completed", "product_id", id)
	}
	return nil
}

// PollWorkflow calls get_last_indexed_at then poll_upstream, per
// spec.md §6.
func PollWorkflow(ctx context.Context, reader IndexStateReader, poller UpstreamPoller) error {
	stateCtx, cancel := context.WithTimeout(ctx, GetLastIndexedDeadline)
	last, err := reader.GetLastIndexedAt(stateCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("internal/orchestration: reading last indexed state: %w", err)
	}

	from := time.Time{}
	if last != nil {
		from = *last
	}

	pollCtx, cancel := context.WithTimeout(ctx, PollUpstreamDeadline)
	defer cancel()
	if err := poller.PollUpstream(pollCtx, from); err != nil {
		return fmt.Errorf("internal/orchestration: polling upstream: %w", err)
	}
	return nil
}

// Store is the persistence seam MatchProduct and
// BlockUnmatchedForProduct read through, in addition to
// cloner.Store's write-side seam.
type Store interface {
	cloner.Store

	Product(ctx context.Context, productID int64) (apollo.SupportedProduct, error)
	Mirrors(ctx context.Context, productID int64) ([]apollo.Mirror, error)
	Repomds(ctx context.Context, mirrorID int64) ([]apollo.Repomd, error)

	// BaseCandidates returns the mirror's selector-matched upstream
	// advisories that are not otherwise excluded, each with its
	// UpstreamPackage rows already loaded.
	BaseCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error)
	// PendingOverrides returns the mirror's not-yet-resolved Override
	// rows' advisories, each with its UpstreamPackage rows loaded.
	PendingOverrides(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error)
	Blocks(ctx context.Context, mirrorID int64) ([]apollo.Block, error)

	UpstreamCVEs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamCVE, error)
	UpstreamBugs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamBug, error)

	// UnmatchedCandidates returns every candidate for the mirror that
	// BlockUnmatchedForProduct should consider blocking: spec.md §9's
	// block_all_on_defunct decides which subset actually gets blocked.
	UnmatchedCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error)
}

// Options tunes MatchProduct/BlockUnmatchedForProduct beyond what
// spec.md mandates.
type Options struct {
	// MaxRepomdBytes bounds the size of any single fetched repomd
	// component (spec.md §5 "Backpressure").
	MaxRepomdBytes int64
	// BlockAllOnDefunct reproduces the reference implementation's
	// literal behavior of blocking every remaining candidate for a
	// mirror regardless of match outcome (spec.md §9 Open Question).
	// The default, false, blocks only candidates that produced zero
	// matches in the immediately preceding MatchProduct pass.
	BlockAllOnDefunct bool
	// Now stands in for time.Now in tests.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// MatchProduct implements the match_product activity: for one
// product, fetch every active mirror's repository metadata, match it
// against the mirror's block/override-filtered candidate advisories
// (spec.md §4.3), and clone every matched advisory (spec.md §4.4).
// Advisories are cloned in issued_at ascending order (spec.md §5).
//
// It returns the set of upstream advisory IDs that matched at least
// one repository package this pass, so a caller can feed it straight
// into BlockUnmatchedForProduct without a second matching pass.
func MatchProduct(ctx context.Context, client *http.Client, store Store, productID int64, opts Options) (map[int64]bool, error) {
	log := slog.Default().With("component", "internal/orchestration.MatchProduct", "product_id", productID)

	product, err := store.Product(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("internal/orchestration: loading product %d: %w", productID, err)
	}
	mirrors, err := store.Mirrors(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("internal/orchestration: loading mirrors for product %d: %w", productID, err)
	}

	all := map[string]*matcher.AdvisoryMatch{}
	byName := map[string]apollo.UpstreamAdvisory{}

	for _, mirror := range mirrors {
		if !mirror.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, err := candidatesFor(ctx, store, mirror, opts.now())
		if err != nil {
			log.Error("loading candidates failed, skipping mirror", "mirror", mirror.Name, "err", err)
			continue
		}
		for _, c := range candidates {
			byName[c.Advisory.Name] = c.Advisory
		}

		repomds, err := store.Repomds(ctx, mirror.ID)
		if err != nil {
			log.Error("loading repomds failed, skipping mirror", "mirror", mirror.Name, "err", err)
			continue
		}

		for _, rm := range repomds {
			pkgs, modules, err := matcher.FetchRepoPackages(ctx, client, rm, opts.MaxRepomdBytes)
			if err != nil {
				log.Warn("fetching repomd failed, skipping repomd", "mirror", mirror.Name, "repo", rm.RepoName, "err", err)
				continue
			}
			res := &repomd.Result{Packages: pkgs, Modules: modules}
			perAdvisory, err := matcher.ProcessRepomd(mirror, rm.RepoName, res, candidates)
			if err != nil {
				log.Warn("matching repomd failed, skipping repomd", "mirror", mirror.Name, "repo", rm.RepoName, "err", err)
				continue
			}
			matcher.Aggregate(all, mirror, rm.Production, perAdvisory, byName)
		}
	}

	matched := make([]*matcher.AdvisoryMatch, 0, len(all))
	for _, m := range all {
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Advisory.IssuedAt.Before(matched[j].Advisory.IssuedAt)
	})

	now := opts.now()
	matchedIDs := make(map[int64]bool, len(matched))
	for _, m := range matched {
		cves, err := store.UpstreamCVEs(ctx, m.Advisory.ID)
		if err != nil {
			log.Error("loading CVEs failed, skipping advisory", "advisory", m.Advisory.Name, "err", err)
			continue
		}
		bugs, err := store.UpstreamBugs(ctx, m.Advisory.ID)
		if err != nil {
			log.Error("loading bugs failed, skipping advisory", "advisory", m.Advisory.Name, "err", err)
			continue
		}

		var publishedAt *time.Time
		if m.PublishedAt != nil && *m.PublishedAt {
			publishedAt = &now
		}
		in := cloner.Input{
			Product:      product,
			Upstream:     m.Advisory,
			UpstreamCVEs: cves,
			UpstreamBugs: bugs,
			Mirrors:      m.Mirrors,
			Packages:     m.Packages,
			PublishedAt:  publishedAt,
		}
		if err := cloner.Clone(ctx, store, in); err != nil {
			log.Error("cloning advisory failed", "advisory", m.Advisory.Name, "err", err)
			continue
		}
		matchedIDs[m.Advisory.ID] = true
	}
	return matchedIDs, nil
}

func candidatesFor(ctx context.Context, store Store, mirror apollo.Mirror, now time.Time) ([]ledger.AdvisoryWithPackages, error) {
	base, err := store.BaseCandidates(ctx, mirror.ID)
	if err != nil {
		return nil, fmt.Errorf("base candidates: %w", err)
	}
	overrides, err := store.PendingOverrides(ctx, mirror.ID)
	if err != nil {
		return nil, fmt.Errorf("pending overrides: %w", err)
	}
	blocks, err := store.Blocks(ctx, mirror.ID)
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	return ledger.Candidates(base, overrides, blocks, now), nil
}

// BlockUnmatchedForProduct implements the block_unmatched_for_product
// activity. spec.md §9 leaves open whether, for a mirror whose repomd
// fetch succeeded but produced no new matches, every remaining
// candidate should be blocked outright or only the ones actually left
// unmatched; see Options.BlockAllOnDefunct.
func BlockUnmatchedForProduct(ctx context.Context, store Store, productID int64, matchedAdvisoryIDs map[int64]bool, opts Options) error {
	log := slog.Default().With("component", "internal/orchestration.BlockUnmatchedForProduct", "product_id", productID)

	mirrors, err := store.Mirrors(ctx, productID)
	if err != nil {
		return fmt.Errorf("internal/orchestration: loading mirrors for product %d: %w", productID, err)
	}

	now := opts.now()
	for _, mirror := range mirrors {
		if !mirror.Active {
			continue
		}
		cands, err := store.UnmatchedCandidates(ctx, mirror.ID)
		if err != nil {
			log.Error("loading unmatched candidates failed, skipping mirror", "mirror", mirror.Name, "err", err)
			continue
		}

		var blocks []apollo.Block
		for _, c := range cands {
			if !opts.BlockAllOnDefunct && matchedAdvisoryIDs[c.Advisory.ID] {
				continue
			}
			blocks = append(blocks, apollo.Block{MirrorID: mirror.ID, UpstreamAdvisoryID: c.Advisory.ID, CreatedAt: now})
		}
		if len(blocks) == 0 {
			continue
		}
		if err := store.InsertBlocks(ctx, blocks); err != nil {
			log.Error("inserting blocks failed", "mirror", mirror.Name, "err", err)
			continue
		}
	}
	return nil
}
