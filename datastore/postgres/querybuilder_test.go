package postgres

import (
	"strings"
	"testing"
)

func TestBuildSliceQueryRequiredFilters(t *testing.T) {
	sql, err := buildSliceQuery(1, 9, nil, "BaseOS", "x86_64")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`"ap"."supported_product_id" = 1`,
		`"ap"."major_version" = 9`,
		`"ap"."arch" = 'x86_64'`,
		`"dp"."repo_name" = 'BaseOS'`,
		`"dp"."supported_product_id" = 1`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("query missing %q:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, "minor_version") {
		t.Errorf("expected no minor_version filter when none was requested:\n%s", sql)
	}
}

func TestBuildSliceQueryOptionalMinorVersion(t *testing.T) {
	minor := 4
	sql, err := buildSliceQuery(1, 9, &minor, "BaseOS", "x86_64")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sql, `"ap"."minor_version" = 4`) {
		t.Errorf("expected minor_version filter:\n%s", sql)
	}
}
