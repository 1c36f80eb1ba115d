package postgres

import (
	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
)

// buildSliceQuery assembles the dynamic filter set behind
// AdvisoriesForSlice the way the teacher's buildGetQuery assembled
// IndexRecord match constraints: a fixed base of required equality
// filters plus one optional one (minor_version) appended only when
// the caller supplied it, so the generated SQL never carries a
// spurious "AND minor_version IS NULL" for an unscoped request.
func buildSliceQuery(productID int64, majorVersion int, minorVersion *int, repo, arch string) (string, error) {
	psql := goqu.Dialect("postgres")

	exps := []goqu.Expression{
		goqu.Ex{"ap.supported_product_id": productID},
		goqu.Ex{"ap.major_version": majorVersion},
		goqu.Ex{"ap.arch": arch},
		goqu.Ex{"dp.repo_name": repo},
		goqu.Ex{"dp.supported_product_id": productID},
	}
	if minorVersion != nil {
		exps = append(exps, goqu.Ex{"ap.minor_version": *minorVersion})
	}

	query := psql.Select(goqu.DISTINCT("da.id")).
		From(goqu.T("affected_products").As("ap")).
		Join(goqu.T("downstream_advisories").As("da"), goqu.On(goqu.Ex{"da.id": goqu.I("ap.downstream_advisory_id")})).
		Join(goqu.T("downstream_packages").As("dp"), goqu.On(goqu.Ex{"dp.downstream_advisory_id": goqu.I("da.id")})).
		Where(exps...).
		Order(goqu.I("da.id").Asc())

	sql, _, err := query.ToSQL()
	if err != nil {
		return "", err
	}
	return sql, nil
}
