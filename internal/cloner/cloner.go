// Package cloner implements the transactional advisory cloning
// algorithm of spec.md §4.4: given a matched upstream advisory and
// the downstream packages it resolves to, create or extend a
// downstream advisory with packages, CVEs, fixes, and affected-product
// rows, and synthesize a topic when the upstream didn't carry one.
package cloner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/matcher"
)

// rhelContainerRE strips the "rhel<N>/" (or "rhel/") container image
// fragment from rewritten synopsis/description/topic text, restored
// from the reference implementation's RHEL_CONTAINER_RE.
var rhelContainerRE = regexp.MustCompile(`rhel(?:\d|)/`)

// Store is the persistence seam a Cloner writes through. Implementations
// MUST provide the upsert-by-name and bulk-insert-with-ignore-conflicts
// semantics spec.md §4.4/§5 require so concurrent cloners race safely
// via the DownstreamAdvisory.name uniqueness constraint rather than a
// lock.
type Store interface {
	// GetOrCreateDownstreamAdvisory upserts by name, returning the
	// existing row (created=false) or inserting a new one
	// (created=true).
	GetOrCreateDownstreamAdvisory(ctx context.Context, a apollo.DownstreamAdvisory) (row apollo.DownstreamAdvisory, created bool, err error)
	// SetTopic persists a synthesized topic on a previously-empty
	// DownstreamAdvisory.
	SetTopic(ctx context.Context, advisoryID int64, topic string) error
	// InsertPackages bulk-inserts DownstreamPackage rows, ignoring
	// conflicts on (advisory_id, nevra).
	InsertPackages(ctx context.Context, pkgs []apollo.DownstreamPackage) error
	// InsertCVEs bulk-inserts CVE rows, ignoring conflicts.
	InsertCVEs(ctx context.Context, cves []apollo.CVE) error
	// InsertFixes bulk-inserts Fix rows, ignoring conflicts.
	InsertFixes(ctx context.Context, fixes []apollo.Fix) error
	// InsertAffectedProducts bulk-inserts AffectedProduct rows,
	// ignoring conflicts.
	InsertAffectedProducts(ctx context.Context, aps []apollo.AffectedProduct) error
	// InsertBlocks bulk-inserts Block rows for (mirror, upstream advisory)
	// pairs, ignoring conflicts.
	InsertBlocks(ctx context.Context, blocks []apollo.Block) error
	// ResolveOverrides stamps UpdatedAt=now on pending Override rows
	// for the given upstream advisory across the given mirrors.
	ResolveOverrides(ctx context.Context, upstreamAdvisoryID int64, mirrorIDs []int64, now time.Time) error
	// DeleteDownstreamAdvisory removes a just-created, empty
	// DownstreamAdvisory row; used only when a clone attempt
	// produces zero packages after insert (mirrors the reference
	// implementation's rollback-via-delete of a bare advisory row).
	DeleteDownstreamAdvisory(ctx context.Context, id int64) error
}

// Input is everything the cloner needs to clone one upstream advisory
// for a product, as aggregated by package matcher across the
// product's mirrors.
type Input struct {
	Product     apollo.SupportedProduct
	Upstream    apollo.UpstreamAdvisory
	UpstreamCVEs []apollo.UpstreamCVE
	UpstreamBugs []apollo.UpstreamBug
	Mirrors     []apollo.Mirror
	Packages    []matcher.RepoPackage
	PublishedAt *time.Time
}

// Clone runs the full clone algorithm in one logical transaction
// (the Store implementation is responsible for atomicity). If no
// repository package survives arch/dedup filtering, a Block is
// inserted for every participating mirror and no advisory is left
// behind.
func Clone(ctx context.Context, store Store, in Input) error {
	if len(in.Packages) == 0 {
		return blockAll(ctx, store, in.Mirrors, in.Upstream.ID)
	}

	name := DownstreamName(in.Product.Code, in.Upstream.Name)
	synopsis := RewriteText(in.Upstream.Synopsis, in.Product, in.Upstream.Name, name)
	description := RewriteText(in.Upstream.Description, in.Product, in.Upstream.Name, name)
	topic := RewriteText(in.Upstream.Topic, in.Product, in.Upstream.Name, name)

	row, created, err := store.GetOrCreateDownstreamAdvisory(ctx, apollo.DownstreamAdvisory{
		Name:               name,
		UpstreamAdvisoryID: in.Upstream.ID,
		PublishedAt:        in.PublishedAt,
		Synopsis:           synopsis,
		Description:        description,
		Kind:               in.Upstream.Kind,
		Severity:           in.Upstream.Severity,
		Topic:              topic,
	})
	if err != nil {
		return fmt.Errorf("internal/cloner: upserting advisory %q: %w", name, err)
	}

	dsPkgs := make([]apollo.DownstreamPackage, 0, len(in.Packages))
	for _, rp := range in.Packages {
		var mirror apollo.Mirror
		for _, m := range in.Mirrors {
			if m.ID == rp.MirrorID {
				mirror = m
				break
			}
		}
		dp := apollo.DownstreamPackage{
			DownstreamAdvisoryID: row.ID,
			MirrorID:             rp.MirrorID,
			SupportedProductID:   mirror.SupportedProductID,
			NEVRA:                rp.Pkg.NEVRA(),
			Checksum:             rp.Pkg.Checksum,
			ChecksumType:         rp.Pkg.ChecksumType,
			RepoName:             rp.RepoName,
			PackageName:          sourcePackageName(rp),
		}
		if rp.Module != nil {
			dp.ModuleName = &rp.Module.Name
			dp.ModuleStream = &rp.Module.Stream
			dp.ModuleVersion = &rp.Module.Version
			dp.ModuleContext = &rp.Module.Context
		}
		dsPkgs = append(dsPkgs, dp)
	}

	if len(dsPkgs) == 0 {
		if created {
			if err := store.DeleteDownstreamAdvisory(ctx, row.ID); err != nil {
				return fmt.Errorf("internal/cloner: rolling back empty advisory %q: %w", name, err)
			}
		}
		return blockAll(ctx, store, in.Mirrors, in.Upstream.ID)
	}

	if err := store.InsertPackages(ctx, dsPkgs); err != nil {
		return fmt.Errorf("internal/cloner: inserting packages for %q: %w", name, err)
	}

	if len(in.UpstreamCVEs) > 0 {
		cves := make([]apollo.CVE, 0, len(in.UpstreamCVEs))
		for _, c := range in.UpstreamCVEs {
			cves = append(cves, apollo.CVE{
				DownstreamAdvisoryID: row.ID,
				CVE:                  c.CVE,
				CVSS3ScoringVector:   c.CVSS3ScoringVector,
				CVSS3BaseScore:       c.CVSS3BaseScore,
				CWE:                  c.CWE,
			})
		}
		if err := store.InsertCVEs(ctx, cves); err != nil {
			return fmt.Errorf("internal/cloner: inserting CVEs for %q: %w", name, err)
		}
	}

	if len(in.UpstreamBugs) > 0 {
		fixes := make([]apollo.Fix, 0, len(in.UpstreamBugs))
		for _, b := range in.UpstreamBugs {
			fixes = append(fixes, apollo.Fix{
				DownstreamAdvisoryID: row.ID,
				TicketID:             b.TicketID,
				SourceURL:            fmt.Sprintf("https://bugzilla.redhat.com/show_bug.cgi?id=%s", b.TicketID),
				Description:          b.Description,
			})
		}
		if err := store.InsertFixes(ctx, fixes); err != nil {
			return fmt.Errorf("internal/cloner: inserting fixes for %q: %w", name, err)
		}
	}

	aps := make([]apollo.AffectedProduct, 0, len(in.Mirrors))
	for _, m := range in.Mirrors {
		aps = append(aps, apollo.AffectedProduct{
			DownstreamAdvisoryID: row.ID,
			SupportedProductID:   m.SupportedProductID,
			Variant:              in.Product.Name,
			Name:                 m.Name,
			MajorVersion:         m.MatchMajorVersion,
			MinorVersion:         m.MatchMinorVersion,
			Arch:                 m.MatchArch,
		})
	}
	if err := store.InsertAffectedProducts(ctx, aps); err != nil {
		return fmt.Errorf("internal/cloner: inserting affected products for %q: %w", name, err)
	}

	if row.Topic == "" {
		topic := SynthesizeTopic(dsPkgs, in.Product, in.Mirrors)
		if err := store.SetTopic(ctx, row.ID, topic); err != nil {
			return fmt.Errorf("internal/cloner: setting synthesized topic for %q: %w", name, err)
		}
	}

	if err := blockAll(ctx, store, in.Mirrors, in.Upstream.ID); err != nil {
		return err
	}

	mirrorIDs := make([]int64, 0, len(in.Mirrors))
	for _, m := range in.Mirrors {
		mirrorIDs = append(mirrorIDs, m.ID)
	}
	if err := store.ResolveOverrides(ctx, in.Upstream.ID, mirrorIDs, cloneNow()); err != nil {
		return fmt.Errorf("internal/cloner: resolving overrides for %q: %w", name, err)
	}

	return nil
}

// cloneNow is a seam so tests can observe a deterministic timestamp
// without this package depending on wall-clock time directly; it is
// the only place Clone reads the current time.
var cloneNow = time.Now

func blockAll(ctx context.Context, store Store, mirrors []apollo.Mirror, upstreamID int64) error {
	blocks := make([]apollo.Block, 0, len(mirrors))
	for _, m := range mirrors {
		blocks = append(blocks, apollo.Block{MirrorID: m.ID, UpstreamAdvisoryID: upstreamID, CreatedAt: cloneNow()})
	}
	if err := store.InsertBlocks(ctx, blocks); err != nil {
		return fmt.Errorf("internal/cloner: inserting blocks: %w", err)
	}
	return nil
}

func sourcePackageName(rp matcher.RepoPackage) string {
	if strings.HasSuffix(rp.Pkg.SourceRPM, ".rpm") {
		n, err := parseSourceName(rp.Pkg.SourceRPM)
		if err == nil {
			return n
		}
	}
	return rp.Pkg.Name
}

// parseSourceName extracts the package name from a source-RPM
// filename such as "bash-5.1.8-6.el9.src.rpm".
func parseSourceName(sourceRPM string) (string, error) {
	s := strings.TrimSuffix(sourceRPM, ".rpm")
	i := strings.LastIndexByte(s, '.') // strip arch ("src")
	if i < 0 {
		return "", fmt.Errorf("internal/cloner: malformed source RPM name %q", sourceRPM)
	}
	rest := s[:i]
	i = strings.LastIndexByte(rest, '-') // strip release
	if i < 0 {
		return "", fmt.Errorf("internal/cloner: malformed source RPM name %q", sourceRPM)
	}
	rest = rest[:i]
	i = strings.LastIndexByte(rest, '-') // strip version
	if i < 0 {
		return "", fmt.Errorf("internal/cloner: malformed source RPM name %q", sourceRPM)
	}
	return rest[:i], nil
}

// DownstreamName computes the stable downstream advisory name from a
// product's short code and the upstream advisory's own name, per
// spec.md §6: "<product.code><upstream_name_without_vendor_letters>",
// e.g. upstream "RHSA-2024:1234" under code "XL" -> "XLSA-2024:1234".
func DownstreamName(code, upstreamName string) string {
	return code + strings.TrimPrefix(upstreamName, "RH")
}

// RewriteText applies the reference implementation's substitution
// order (SPEC_FULL.md §4 item 1) to advisory prose: variant name,
// then the "RHEL" short form, then the rhelN/ container fragment,
// then the vendor name, then the advisory name itself.
func RewriteText(text string, product apollo.SupportedProduct, upstreamName, downstreamName string) string {
	out := strings.ReplaceAll(text, "Red Hat Enterprise Linux", product.Name)
	out = strings.ReplaceAll(out, "RHEL", product.Name)
	out = rhelContainerRE.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "Red Hat", product.Vendor)
	out = strings.ReplaceAll(out, upstreamName, downstreamName)
	return out
}

// SynthesizeTopic restores the reference implementation's fallback
// topic template (SPEC_FULL.md §4 item 2) for advisories whose
// upstream carried no topic text.
func SynthesizeTopic(pkgs []apollo.DownstreamPackage, product apollo.SupportedProduct, mirrors []apollo.Mirror) string {
	names := uniqueSorted(packageNames(pkgs))
	products := uniqueSorted(affectedProductStrings(product, mirrors))
	return fmt.Sprintf(
		"An update is available for %s.\nThis update affects %s.\nA Common Vulnerability Scoring System (CVSS) base score, which gives a detailed severity rating, is available for each vulnerability from the CVE list",
		strings.Join(names, ", "),
		strings.Join(products, ", "),
	)
}

func packageNames(pkgs []apollo.DownstreamPackage) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.PackageName)
	}
	return out
}

func affectedProductStrings(product apollo.SupportedProduct, mirrors []apollo.Mirror) []string {
	out := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		out = append(out, fmt.Sprintf("%s %d", product.Name, m.MatchMajorVersion))
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
