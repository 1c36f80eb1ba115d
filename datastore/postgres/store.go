package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rocky-linux/apollo"
)

// Store is the concrete Postgres implementation of internal/cloner.Store,
// internal/orchestration.Store and httpapi.Store. It owns no business
// logic of its own; every method is a direct SQL mapping of the
// interface it satisfies.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pool (see Connect).
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetOrCreateDownstreamAdvisory implements internal/cloner.Store.
func (s *Store) GetOrCreateDownstreamAdvisory(ctx context.Context, a apollo.DownstreamAdvisory) (apollo.DownstreamAdvisory, bool, error) {
	const upsert = `
INSERT INTO downstream_advisories
	(name, upstream_advisory_id, created_at, updated_at, published_at, synopsis, description, kind, severity, topic)
VALUES
	($1, $2, now(), now(), $3, $4, $5, $6, $7, $8)
ON CONFLICT (name) DO NOTHING
RETURNING id, name, upstream_advisory_id, created_at, updated_at, published_at, synopsis, description, kind, severity, topic`

	row := a
	err := s.pool.QueryRow(ctx, upsert,
		a.Name, a.UpstreamAdvisoryID, a.PublishedAt, a.Synopsis, a.Description, a.Kind, a.Severity, a.Topic,
	).Scan(&row.ID, &row.Name, &row.UpstreamAdvisoryID, &row.CreatedAt, &row.UpdatedAt, &row.PublishedAt,
		&row.Synopsis, &row.Description, &row.Kind, &row.Severity, &row.Topic)
	if err == nil {
		return row, true, nil
	}
	if err != pgx.ErrNoRows {
		return apollo.DownstreamAdvisory{}, false, fmt.Errorf("postgres: insert downstream advisory: %w", err)
	}

	const fetch = `
SELECT id, name, upstream_advisory_id, created_at, updated_at, published_at, synopsis, description, kind, severity, topic
FROM downstream_advisories WHERE name = $1`
	err = s.pool.QueryRow(ctx, fetch, a.Name).Scan(&row.ID, &row.Name, &row.UpstreamAdvisoryID, &row.CreatedAt, &row.UpdatedAt,
		&row.PublishedAt, &row.Synopsis, &row.Description, &row.Kind, &row.Severity, &row.Topic)
	if err != nil {
		return apollo.DownstreamAdvisory{}, false, fmt.Errorf("postgres: fetch existing downstream advisory %q: %w", a.Name, err)
	}
	return row, false, nil
}

// SetTopic implements internal/cloner.Store.
func (s *Store) SetTopic(ctx context.Context, advisoryID int64, topic string) error {
	_, err := s.pool.Exec(ctx, `UPDATE downstream_advisories SET topic = $1, updated_at = now() WHERE id = $2`, topic, advisoryID)
	if err != nil {
		return fmt.Errorf("postgres: set topic on advisory %d: %w", advisoryID, err)
	}
	return nil
}

// InsertPackages implements internal/cloner.Store.
func (s *Store) InsertPackages(ctx context.Context, pkgs []apollo.DownstreamPackage) error {
	if len(pkgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
INSERT INTO downstream_packages
	(downstream_advisory_id, mirror_id, supported_product_id, nevra, checksum, checksum_type, repo_name,
	 package_name, module_name, module_stream, module_version, module_context)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT DO NOTHING`
	for _, p := range pkgs {
		batch.Queue(q, p.DownstreamAdvisoryID, p.MirrorID, p.SupportedProductID, p.NEVRA, p.Checksum, p.ChecksumType,
			p.RepoName, p.PackageName, p.ModuleName, p.ModuleStream, p.ModuleVersion, p.ModuleContext)
	}
	return runBatch(ctx, s.pool, batch, len(pkgs))
}

// InsertCVEs implements internal/cloner.Store.
func (s *Store) InsertCVEs(ctx context.Context, cves []apollo.CVE) error {
	if len(cves) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
INSERT INTO cves (downstream_advisory_id, cve, cvss3_scoring_vector, cvss3_base_score, cwe)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`
	for _, c := range cves {
		batch.Queue(q, c.DownstreamAdvisoryID, c.CVE, c.CVSS3ScoringVector, c.CVSS3BaseScore, c.CWE)
	}
	return runBatch(ctx, s.pool, batch, len(cves))
}

// InsertFixes implements internal/cloner.Store.
func (s *Store) InsertFixes(ctx context.Context, fixes []apollo.Fix) error {
	if len(fixes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
INSERT INTO fixes (downstream_advisory_id, ticket_id, source_url, description)
VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`
	for _, f := range fixes {
		batch.Queue(q, f.DownstreamAdvisoryID, f.TicketID, f.SourceURL, f.Description)
	}
	return runBatch(ctx, s.pool, batch, len(fixes))
}

// InsertAffectedProducts implements internal/cloner.Store.
func (s *Store) InsertAffectedProducts(ctx context.Context, aps []apollo.AffectedProduct) error {
	if len(aps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
INSERT INTO affected_products (downstream_advisory_id, supported_product_id, variant, name, major_version, minor_version, arch)
VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`
	for _, a := range aps {
		batch.Queue(q, a.DownstreamAdvisoryID, a.SupportedProductID, a.Variant, a.Name, a.MajorVersion, a.MinorVersion, a.Arch)
	}
	return runBatch(ctx, s.pool, batch, len(aps))
}

// InsertBlocks implements internal/cloner.Store.
func (s *Store) InsertBlocks(ctx context.Context, blocks []apollo.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
INSERT INTO blocks (mirror_id, upstream_advisory_id, created_at)
VALUES ($1,$2,$3) ON CONFLICT (mirror_id, upstream_advisory_id) DO NOTHING`
	for _, b := range blocks {
		created := b.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		batch.Queue(q, b.MirrorID, b.UpstreamAdvisoryID, created)
	}
	return runBatch(ctx, s.pool, batch, len(blocks))
}

// ResolveOverrides implements internal/cloner.Store.
func (s *Store) ResolveOverrides(ctx context.Context, upstreamAdvisoryID int64, mirrorIDs []int64, now time.Time) error {
	if len(mirrorIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
UPDATE overrides SET updated_at = $1
WHERE upstream_advisory_id = $2 AND mirror_id = ANY($3) AND updated_at IS NULL`,
		now, upstreamAdvisoryID, mirrorIDs)
	if err != nil {
		return fmt.Errorf("postgres: resolve overrides for advisory %d: %w", upstreamAdvisoryID, err)
	}
	return nil
}

// DeleteDownstreamAdvisory implements internal/cloner.Store.
func (s *Store) DeleteDownstreamAdvisory(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM downstream_advisories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete downstream advisory %d: %w", id, err)
	}
	return nil
}

// runBatch executes a pgx.Batch expecting n affected statements,
// surfacing the first error encountered.
func runBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, n int) error {
	br := pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: batch statement %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}
