// Package matcher implements the advisory matching algorithm of
// spec.md §4.3: for one product's mirrors and their repository
// metadata, decide which upstream advisories the downstream actually
// ships and collect the repository packages that satisfy them.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/ledger"
	"github.com/rocky-linux/apollo/nevra"
	"github.com/rocky-linux/apollo/repomd"
)

// RepoPackage is one repository package accepted as satisfying an
// upstream advisory package, annotated with where it came from.
type RepoPackage struct {
	NEVRA    nevra.NEVRA
	Pkg      repomd.Package
	Module   *repomd.ModuleArtifact
	MirrorID int64
	RepoName string
}

// AdvisoryMatch is the accumulated result of matching one upstream
// advisory against every mirror/repomd of a product: the set of
// mirrors that matched and the repository packages each contributed.
type AdvisoryMatch struct {
	Advisory    apollo.UpstreamAdvisory
	Mirrors     []apollo.Mirror
	Packages    []RepoPackage
	PublishedAt *bool // true if any contributing repomd was a production repomd
}

// ArchPolicy returns the set of architectures an upstream package may
// carry to be eligible for a mirror with the given arch, per spec.md
// §4.3 step 3 / testable property 7: the mirror's own arch, plus
// "src", "noarch", and "i686" when the mirror arch is "x86_64".
func ArchPolicy(mirrorArch string) map[string]bool {
	set := map[string]bool{
		mirrorArch: true,
		"src":      true,
		"noarch":   true,
	}
	if mirrorArch == "x86_64" {
		set["i686"] = true
	}
	return set
}

// repoIndex is the per-repomd lookup structure built from a set of
// repository packages: cleaned NEVRA to candidate packages, and
// package name to the cleaned NEVRAs observed under that name (for
// the name-prefix fallback).
type repoIndex struct {
	byCleaned map[string][]indexedPkg
	byName    map[string][]string
}

type indexedPkg struct {
	nevra nevra.NEVRA
	pkg   repomd.Package
}

func buildIndex(pkgs []repomd.Package) (repoIndex, []error) {
	idx := repoIndex{
		byCleaned: map[string][]indexedPkg{},
		byName:    map[string][]string{},
	}
	var errs []error
	for _, p := range pkgs {
		n, err := nevra.Parse(p.NEVRA())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		idx.byCleaned[n.Cleaned] = append(idx.byCleaned[n.Cleaned], indexedPkg{nevra: n, pkg: p})
		idx.byName[n.Name] = append(idx.byName[n.Name], n.Cleaned)
	}
	return idx, errs
}

// lookup finds the repository candidates satisfying an advisory
// package's cleaned NEVRA: a direct match first, falling back to the
// name-prefix helper (spec.md §4.1).
func lookup(idx repoIndex, adv nevra.NEVRA) []indexedPkg {
	if cands, ok := idx.byCleaned[adv.Cleaned]; ok {
		return cands
	}
	var out []indexedPkg
	for _, cleaned := range idx.byName[adv.Name] {
		cand, ok := idx.byCleaned[cleaned]
		if !ok {
			continue
		}
		for _, c := range cand {
			if nevra.NamePrefixMatch(adv, c.nevra) {
				out = append(out, c)
			}
		}
	}
	return out
}

// moduleCompatible enforces spec.md testable property 8 and the
// modular tie-break of §4.3 step 3: a modular candidate only
// satisfies a modular advisory package when their releases describe
// the same module build, and a non-modular package never satisfies a
// modular advisory package or vice versa.
func moduleCompatible(adv, cand nevra.NEVRA) bool {
	if adv.Modular != cand.Modular {
		return false
	}
	if !adv.Modular {
		return true
	}
	return nevra.ModuleCompatible(adv.Release, cand.Release)
}

// highestCandidate breaks a tie among several repository packages
// that all satisfy the same advisory package (either several builds
// sharing a cleaned NEVRA, or several name-prefix fallback matches):
// the one with the greatest EVR wins, deterministically regardless of
// repomd iteration order.
func highestCandidate(cands []indexedPkg) indexedPkg {
	nevras := make([]nevra.NEVRA, len(cands))
	for i, c := range cands {
		nevras[i] = c.nevra
	}
	best, _ := nevra.Highest(nevras)
	for i, n := range nevras {
		if n == best {
			return cands[i]
		}
	}
	return cands[0]
}

// ProcessRepomd matches a set of candidate advisories against the
// package/module index of one fetched repomd, for one mirror. It
// returns, per advisory name, the repository packages accepted.
func ProcessRepomd(mirror apollo.Mirror, repoName string, res *repomd.Result, candidates []ledger.AdvisoryWithPackages) (map[string][]RepoPackage, error) {
	idx, parseErrs := buildIndex(res.Packages)
	for _, err := range parseErrs {
		slog.Default().With("component", "internal/matcher.ProcessRepomd").
			Warn("skipping unparseable repository package NEVRA", "err", err, "mirror", mirror.Name)
	}

	arches := ArchPolicy(mirror.MatchArch)
	out := map[string][]RepoPackage{}

	for _, c := range candidates {
		var matched []RepoPackage
		for _, upkg := range c.Packages {
			advNevra, err := nevra.Parse(upkg.NEVRA)
			if err != nil {
				slog.Default().With("component", "internal/matcher.ProcessRepomd").
					Warn("skipping unparseable advisory package NEVRA", "err", err, "advisory", c.Advisory.Name)
				continue
			}
			if !arches[advNevra.Arch] {
				continue
			}
			var compatible []indexedPkg
			for _, cand := range lookup(idx, advNevra) {
				if moduleCompatible(advNevra, cand.nevra) {
					compatible = append(compatible, cand)
				}
			}
			if len(compatible) == 0 {
				continue
			}
			best := highestCandidate(compatible)
			rp := RepoPackage{
				NEVRA:    best.nevra,
				Pkg:      best.pkg,
				MirrorID: mirror.ID,
				RepoName: repoName,
			}
			if art, ok := res.Modules[best.pkg.NEVRA()]; ok {
				rp.Module = &art
			}
			matched = append(matched, rp)
		}
		if len(matched) > 0 {
			out[c.Advisory.Name] = matched
		}
	}
	return out, nil
}

// FetchRepoPackages fetches and combines the package/module view of
// one Repomd configuration's regular, debug, and source URLs (when
// set), matching the reference implementation's "all_pkgs" collection
// across the three locations of a single repository.
func FetchRepoPackages(ctx context.Context, client *http.Client, rm apollo.Repomd, maxBytes int64) ([]repomd.Package, map[string]repomd.ModuleArtifact, error) {
	urls := []string{rm.URL, rm.DebugURL, rm.SourceURL}
	var pkgs []repomd.Package
	modules := map[string]repomd.ModuleArtifact{}
	for _, u := range urls {
		if u == "" {
			continue
		}
		res, err := repomd.Read(ctx, client, u, maxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("internal/matcher: fetching %s: %w", u, err)
		}
		pkgs = append(pkgs, res.Packages...)
		for k, v := range res.Modules {
			modules[k] = v
		}
	}
	return pkgs, modules, nil
}

// Aggregate folds the per-repomd match output of ProcessRepomd into
// the running per-product AdvisoryMatch map, accumulating mirrors and
// packages for an advisory matched across more than one mirror/repomd
// (spec.md §4.3 step 4).
func Aggregate(all map[string]*AdvisoryMatch, mirror apollo.Mirror, production bool, perAdvisory map[string][]RepoPackage, advisories map[string]apollo.UpstreamAdvisory) {
	for name, pkgs := range perAdvisory {
		m, ok := all[name]
		if !ok {
			m = &AdvisoryMatch{Advisory: advisories[name]}
			all[name] = m
		}
		hasMirror := false
		for _, existing := range m.Mirrors {
			if existing.ID == mirror.ID {
				hasMirror = true
				break
			}
		}
		if !hasMirror {
			m.Mirrors = append(m.Mirrors, mirror)
		}
		m.Packages = append(m.Packages, pkgs...)
		if production {
			t := true
			m.PublishedAt = &t
		}
	}
}
