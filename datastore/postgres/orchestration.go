package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/ledger"
	"github.com/rocky-linux/apollo/internal/matcher"
)

// Product implements internal/orchestration.Store.
func (s *Store) Product(ctx context.Context, productID int64) (apollo.SupportedProduct, error) {
	var p apollo.SupportedProduct
	err := s.pool.QueryRow(ctx, `
SELECT id, name, variant, vendor, code, slug, created_at FROM supported_products WHERE id = $1`, productID,
	).Scan(&p.ID, &p.Name, &p.Variant, &p.Vendor, &p.Code, &p.Slug, &p.CreatedAt)
	if err != nil {
		return apollo.SupportedProduct{}, fmt.Errorf("postgres: loading product %d: %w", productID, err)
	}
	return p, nil
}

// ProductByName implements httpapi.Store, returning apollo.ErrProductUnknown
// when no row matches (surfaced as 404 at the HTTP boundary).
func (s *Store) ProductByName(ctx context.Context, name string) (apollo.SupportedProduct, error) {
	var p apollo.SupportedProduct
	err := s.pool.QueryRow(ctx, `
SELECT id, name, variant, vendor, code, slug, created_at FROM supported_products WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Variant, &p.Vendor, &p.Code, &p.Slug, &p.CreatedAt)
	if err != nil {
		return apollo.SupportedProduct{}, apollo.ErrProductUnknown
	}
	return p, nil
}

// ListProductsWithMirrors implements internal/orchestration.ProductLister:
// every product that owns at least one active mirror.
func (s *Store) ListProductsWithMirrors(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT supported_product_id FROM mirrors WHERE active ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing products with mirrors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scanning product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Mirrors implements internal/orchestration.Store.
func (s *Store) Mirrors(ctx context.Context, productID int64) ([]apollo.Mirror, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, supported_product_id, name, match_variant, match_major_version, match_minor_version, match_arch, active
FROM mirrors WHERE supported_product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading mirrors for product %d: %w", productID, err)
	}
	defer rows.Close()

	var out []apollo.Mirror
	for rows.Next() {
		var m apollo.Mirror
		if err := rows.Scan(&m.ID, &m.SupportedProductID, &m.Name, &m.MatchVariant, &m.MatchMajorVersion,
			&m.MatchMinorVersion, &m.MatchArch, &m.Active); err != nil {
			return nil, fmt.Errorf("postgres: scanning mirror: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Repomds implements internal/orchestration.Store.
func (s *Store) Repomds(ctx context.Context, mirrorID int64) ([]apollo.Repomd, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, mirror_id, repo_name, arch, production, url, debug_url, source_url
FROM repomds WHERE mirror_id = $1 ORDER BY id`, mirrorID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading repomds for mirror %d: %w", mirrorID, err)
	}
	defer rows.Close()

	var out []apollo.Repomd
	for rows.Next() {
		var r apollo.Repomd
		if err := rows.Scan(&r.ID, &r.MirrorID, &r.RepoName, &r.Arch, &r.Production, &r.URL, &r.DebugURL, &r.SourceURL); err != nil {
			return nil, fmt.Errorf("postgres: scanning repomd: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// archesFor mirrors internal/matcher.ArchPolicy as a slice suitable
// for a SQL ANY($1) filter, since candidate selection is a query-side
// concern that runs before any repomd package is ever fetched.
func archesFor(mirrorArch string) []string {
	set := matcher.ArchPolicy(mirrorArch)
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// selectorCandidates loads every upstream advisory whose
// UpstreamAffectedProduct selector matches the mirror's
// (variant, major, minor, arch), each with its packages loaded. A
// mirror with a nil MatchMinorVersion matches every minor version;
// an advisory whose affected-product row carries a nil minor version
// applies to every minor version of that major release.
func (s *Store) selectorCandidates(ctx context.Context, mirror apollo.Mirror) ([]ledger.AdvisoryWithPackages, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ua.id, ua.name, ua.issued_at, ua.synopsis, ua.description, ua.kind, ua.severity, ua.topic
FROM upstream_advisories ua
JOIN upstream_affected_products uap ON uap.upstream_advisory_id = ua.id
WHERE uap.variant = $1
  AND uap.major_version = $2
  AND (uap.minor_version IS NULL OR $3::int IS NULL OR uap.minor_version = $3)
  AND uap.arch = ANY($4)
ORDER BY ua.issued_at ASC`,
		mirror.MatchVariant, mirror.MatchMajorVersion, mirror.MatchMinorVersion, archesFor(mirror.MatchArch))
	if err != nil {
		return nil, fmt.Errorf("postgres: selecting candidates for mirror %d: %w", mirror.ID, err)
	}
	defer rows.Close()

	var advisories []apollo.UpstreamAdvisory
	for rows.Next() {
		var a apollo.UpstreamAdvisory
		if err := rows.Scan(&a.ID, &a.Name, &a.IssuedAt, &a.Synopsis, &a.Description, &a.Kind, &a.Severity, &a.Topic); err != nil {
			return nil, fmt.Errorf("postgres: scanning candidate advisory: %w", err)
		}
		advisories = append(advisories, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ledger.AdvisoryWithPackages, 0, len(advisories))
	for _, a := range advisories {
		pkgs, err := s.upstreamPackages(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.AdvisoryWithPackages{Advisory: a, Packages: pkgs})
	}
	return out, nil
}

func (s *Store) upstreamPackages(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamPackage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, upstream_advisory_id, nevra FROM upstream_packages WHERE upstream_advisory_id = $1`, upstreamAdvisoryID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading packages for advisory %d: %w", upstreamAdvisoryID, err)
	}
	defer rows.Close()

	var out []apollo.UpstreamPackage
	for rows.Next() {
		var p apollo.UpstreamPackage
		if err := rows.Scan(&p.ID, &p.UpstreamAdvisoryID, &p.NEVRA); err != nil {
			return nil, fmt.Errorf("postgres: scanning upstream package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// BaseCandidates implements internal/orchestration.Store.
func (s *Store) BaseCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	mirror, err := s.mirrorByID(ctx, mirrorID)
	if err != nil {
		return nil, err
	}
	return s.selectorCandidates(ctx, mirror)
}

// UnmatchedCandidates implements internal/orchestration.Store: the
// same selector-filtered, block/override-resolved candidate set
// MatchProduct computed, so a candidate absent from that pass's
// matched-ID set is genuinely unmatched rather than merely unqueried.
func (s *Store) UnmatchedCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	mirror, err := s.mirrorByID(ctx, mirrorID)
	if err != nil {
		return nil, err
	}
	base, err := s.selectorCandidates(ctx, mirror)
	if err != nil {
		return nil, err
	}
	overrides, err := s.PendingOverrides(ctx, mirrorID)
	if err != nil {
		return nil, err
	}
	blocks, err := s.Blocks(ctx, mirrorID)
	if err != nil {
		return nil, err
	}
	return ledger.Candidates(base, overrides, blocks, time.Now()), nil
}

func (s *Store) mirrorByID(ctx context.Context, mirrorID int64) (apollo.Mirror, error) {
	var m apollo.Mirror
	err := s.pool.QueryRow(ctx, `
SELECT id, supported_product_id, name, match_variant, match_major_version, match_minor_version, match_arch, active
FROM mirrors WHERE id = $1`, mirrorID,
	).Scan(&m.ID, &m.SupportedProductID, &m.Name, &m.MatchVariant, &m.MatchMajorVersion, &m.MatchMinorVersion, &m.MatchArch, &m.Active)
	if err != nil {
		return apollo.Mirror{}, fmt.Errorf("postgres: loading mirror %d: %w", mirrorID, err)
	}
	return m, nil
}

// PendingOverrides implements internal/orchestration.Store.
func (s *Store) PendingOverrides(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	rows, err := s.pool.Query(ctx, `
SELECT ua.id, ua.name, ua.issued_at, ua.synopsis, ua.description, ua.kind, ua.severity, ua.topic
FROM overrides o
JOIN upstream_advisories ua ON ua.id = o.upstream_advisory_id
WHERE o.mirror_id = $1 AND o.updated_at IS NULL
ORDER BY ua.issued_at ASC`, mirrorID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading pending overrides for mirror %d: %w", mirrorID, err)
	}
	defer rows.Close()

	var advisories []apollo.UpstreamAdvisory
	for rows.Next() {
		var a apollo.UpstreamAdvisory
		if err := rows.Scan(&a.ID, &a.Name, &a.IssuedAt, &a.Synopsis, &a.Description, &a.Kind, &a.Severity, &a.Topic); err != nil {
			return nil, fmt.Errorf("postgres: scanning override advisory: %w", err)
		}
		advisories = append(advisories, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ledger.AdvisoryWithPackages, 0, len(advisories))
	for _, a := range advisories {
		pkgs, err := s.upstreamPackages(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.AdvisoryWithPackages{Advisory: a, Packages: pkgs})
	}
	return out, nil
}

// Blocks implements internal/orchestration.Store.
func (s *Store) Blocks(ctx context.Context, mirrorID int64) ([]apollo.Block, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, mirror_id, upstream_advisory_id, created_at FROM blocks WHERE mirror_id = $1`, mirrorID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading blocks for mirror %d: %w", mirrorID, err)
	}
	defer rows.Close()

	var out []apollo.Block
	for rows.Next() {
		var b apollo.Block
		if err := rows.Scan(&b.ID, &b.MirrorID, &b.UpstreamAdvisoryID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpstreamCVEs implements internal/orchestration.Store.
func (s *Store) UpstreamCVEs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamCVE, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, upstream_advisory_id, cve, cvss3_scoring_vector, cvss3_base_score, cwe
FROM upstream_cves WHERE upstream_advisory_id = $1`, upstreamAdvisoryID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading CVEs for advisory %d: %w", upstreamAdvisoryID, err)
	}
	defer rows.Close()

	var out []apollo.UpstreamCVE
	for rows.Next() {
		var c apollo.UpstreamCVE
		if err := rows.Scan(&c.ID, &c.UpstreamAdvisoryID, &c.CVE, &c.CVSS3ScoringVector, &c.CVSS3BaseScore, &c.CWE); err != nil {
			return nil, fmt.Errorf("postgres: scanning upstream CVE: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpstreamBugs implements internal/orchestration.Store.
func (s *Store) UpstreamBugs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamBug, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, upstream_advisory_id, ticket_id, source_url, description
FROM upstream_bugs WHERE upstream_advisory_id = $1`, upstreamAdvisoryID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading bugs for advisory %d: %w", upstreamAdvisoryID, err)
	}
	defer rows.Close()

	var out []apollo.UpstreamBug
	for rows.Next() {
		var b apollo.UpstreamBug
		if err := rows.Scan(&b.ID, &b.UpstreamAdvisoryID, &b.TicketID, &b.SourceURL, &b.Description); err != nil {
			return nil, fmt.Errorf("postgres: scanning upstream bug: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetLastIndexedAt implements internal/orchestration.IndexStateReader.
func (s *Store) GetLastIndexedAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_indexed_at FROM index_state WHERE id`).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: loading last indexed state: %w", err)
	}
	return t, nil
}
