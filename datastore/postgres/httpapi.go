package postgres

import (
	"context"
	"fmt"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/updateinfo"
)

// AdvisoriesForSlice implements httpapi.Store: every advisory whose
// AffectedProduct row matches (product, major[, minor], arch) and
// that contributes at least one package to the named repo, loaded
// with its full CVE/Fix/Package/AffectedProduct rows so
// updateinfo.Generate can render it directly.
func (s *Store) AdvisoriesForSlice(ctx context.Context, productID int64, majorVersion int, minorVersion *int, repo, arch string) ([]updateinfo.AdvisoryData, error) {
	sql, err := buildSliceQuery(productID, majorVersion, minorVersion, repo, arch)
	if err != nil {
		return nil, fmt.Errorf("postgres: building slice query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying advisory slice: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scanning advisory id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apollo.ErrSliceEmpty
	}

	out := make([]updateinfo.AdvisoryData, 0, len(ids))
	for _, id := range ids {
		data, err := s.advisoryData(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *Store) advisoryData(ctx context.Context, advisoryID int64) (updateinfo.AdvisoryData, error) {
	var adv apollo.DownstreamAdvisory
	err := s.pool.QueryRow(ctx, `
SELECT id, name, upstream_advisory_id, created_at, updated_at, published_at, synopsis, description, kind, severity, topic
FROM downstream_advisories WHERE id = $1`, advisoryID,
	).Scan(&adv.ID, &adv.Name, &adv.UpstreamAdvisoryID, &adv.CreatedAt, &adv.UpdatedAt, &adv.PublishedAt,
		&adv.Synopsis, &adv.Description, &adv.Kind, &adv.Severity, &adv.Topic)
	if err != nil {
		return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: loading advisory %d: %w", advisoryID, err)
	}

	cveRows, err := s.pool.Query(ctx, `
SELECT id, downstream_advisory_id, cve, cvss3_scoring_vector, cvss3_base_score, cwe FROM cves WHERE downstream_advisory_id = $1`, advisoryID)
	if err != nil {
		return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: loading cves for advisory %d: %w", advisoryID, err)
	}
	var cves []apollo.CVE
	for cveRows.Next() {
		var c apollo.CVE
		if err := cveRows.Scan(&c.ID, &c.DownstreamAdvisoryID, &c.CVE, &c.CVSS3ScoringVector, &c.CVSS3BaseScore, &c.CWE); err != nil {
			cveRows.Close()
			return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: scanning cve: %w", err)
		}
		cves = append(cves, c)
	}
	cveRows.Close()

	fixRows, err := s.pool.Query(ctx, `
SELECT id, downstream_advisory_id, ticket_id, source_url, description FROM fixes WHERE downstream_advisory_id = $1`, advisoryID)
	if err != nil {
		return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: loading fixes for advisory %d: %w", advisoryID, err)
	}
	var fixes []apollo.Fix
	for fixRows.Next() {
		var f apollo.Fix
		if err := fixRows.Scan(&f.ID, &f.DownstreamAdvisoryID, &f.TicketID, &f.SourceURL, &f.Description); err != nil {
			fixRows.Close()
			return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: scanning fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	fixRows.Close()

	pkgRows, err := s.pool.Query(ctx, `
SELECT id, downstream_advisory_id, mirror_id, supported_product_id, nevra, checksum, checksum_type, repo_name,
       package_name, module_name, module_stream, module_version, module_context
FROM downstream_packages WHERE downstream_advisory_id = $1`, advisoryID)
	if err != nil {
		return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: loading packages for advisory %d: %w", advisoryID, err)
	}
	var pkgs []apollo.DownstreamPackage
	for pkgRows.Next() {
		var p apollo.DownstreamPackage
		if err := pkgRows.Scan(&p.ID, &p.DownstreamAdvisoryID, &p.MirrorID, &p.SupportedProductID, &p.NEVRA, &p.Checksum,
			&p.ChecksumType, &p.RepoName, &p.PackageName, &p.ModuleName, &p.ModuleStream, &p.ModuleVersion, &p.ModuleContext); err != nil {
			pkgRows.Close()
			return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: scanning package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	pkgRows.Close()

	apRows, err := s.pool.Query(ctx, `
SELECT id, downstream_advisory_id, supported_product_id, variant, name, major_version, minor_version, arch
FROM affected_products WHERE downstream_advisory_id = $1`, advisoryID)
	if err != nil {
		return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: loading affected products for advisory %d: %w", advisoryID, err)
	}
	var aps []apollo.AffectedProduct
	for apRows.Next() {
		var a apollo.AffectedProduct
		if err := apRows.Scan(&a.ID, &a.DownstreamAdvisoryID, &a.SupportedProductID, &a.Variant, &a.Name, &a.MajorVersion, &a.MinorVersion, &a.Arch); err != nil {
			apRows.Close()
			return updateinfo.AdvisoryData{}, fmt.Errorf("postgres: scanning affected product: %w", err)
		}
		aps = append(aps, a)
	}
	apRows.Close()

	return updateinfo.AdvisoryData{
		Advisory:         adv,
		CVEs:             cves,
		Fixes:            fixes,
		Packages:         pkgs,
		AffectedProducts: aps,
	}, nil
}
