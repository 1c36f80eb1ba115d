package apiformat

import (
	"strings"
	"testing"
	"time"

	"github.com/rocky-linux/apollo"
)

func TestToOSVAdvisory(t *testing.T) {
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := OSVInput{
		UIBaseURL: "https://errata.rockylinux.org",
		Advisory: apollo.DownstreamAdvisory{
			ID: 1, Name: "RLSA-2024:1234", Synopsis: "bash update", Description: "details",
			PublishedAt: &published, UpdatedAt: published,
		},
		CVEs:  []apollo.CVE{{CVE: "CVE-2024-0001", CVSS3ScoringVector: "vector"}},
		Fixes: []apollo.Fix{{SourceURL: "https://bugzilla.example/1"}},
		Packages: []apollo.DownstreamPackage{
			{PackageName: "bash", NEVRA: "bash-0:5.1.8-6.el9.x86_64", RepoName: "BaseOS", SupportedProductID: 1, MirrorID: 10},
		},
		Products: map[int64]apollo.SupportedProduct{1: {Name: "Rocky Linux 9", Variant: "Rocky Linux", Vendor: "RESF"}},
		Mirrors:  map[int64]apollo.Mirror{10: {MatchMajorVersion: 9, MatchArch: "x86_64"}},
	}

	out := ToOSVAdvisory(in)
	if out.ID != "RLSA-2024:1234" || out.SchemaVersion != "1.6.0" {
		t.Fatalf("unexpected identity: %+v", out)
	}
	if len(out.Aliases) != 1 || out.Aliases[0] != "CVE-2024-0001" {
		t.Errorf("aliases = %v", out.Aliases)
	}
	if len(out.Affected) != 1 {
		t.Fatalf("expected 1 affected group, got %d", len(out.Affected))
	}
	aff := out.Affected[0]
	if aff.Package.Ecosystem != "rocky-linux:9" || aff.Package.Name != "bash" {
		t.Errorf("unexpected affected package: %+v", aff.Package)
	}
	if aff.Package.Purl == nil || !strings.Contains(*aff.Package.Purl, "pkg:rpm/rocky-linux/bash@5.1.8-6.el9") {
		t.Errorf("unexpected purl: %v", aff.Package.Purl)
	}
	if len(aff.Ranges) != 1 || aff.Ranges[0].Repo != "BaseOS" {
		t.Errorf("unexpected ranges: %+v", aff.Ranges)
	}

	var hasRedHat bool
	for _, c := range out.Credits {
		if c.Name == "Red Hat" {
			hasRedHat = true
		}
	}
	if !hasRedHat {
		t.Errorf("expected a Red Hat credit, got %+v", out.Credits)
	}

	var hasAdvisoryRef bool
	for _, r := range out.References {
		if r.Type == "ADVISORY" && r.URL == "https://errata.rockylinux.org/RLSA-2024:1234" {
			hasAdvisoryRef = true
		}
	}
	if !hasAdvisoryRef {
		t.Errorf("expected a self ADVISORY reference, got %+v", out.References)
	}
}

func TestToLegacyAdvisory(t *testing.T) {
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := LegacyInput{
		Advisory: apollo.DownstreamAdvisory{
			ID: 1, Name: "RLSA-2024:1234", Synopsis: "bash update", Kind: apollo.KindSecurity,
			Severity: "none", PublishedAt: &published,
		},
		AffectedProducts: []apollo.AffectedProduct{{Variant: "Rocky Linux", MajorVersion: 9}},
		Packages: []apollo.DownstreamPackage{
			{PackageName: "bash", NEVRA: "bash-0:5.1.8-6.el9.x86_64", SupportedProductID: 1, MirrorID: 10},
		},
		Products:    map[int64]apollo.SupportedProduct{1: {Variant: "Rocky Linux"}},
		Mirrors:     map[int64]apollo.Mirror{10: {MatchMajorVersion: 9}},
		IncludeRPMs: true,
	}

	out := ToLegacyAdvisory(in)
	if out.Type != "TYPE_SECURITY" {
		t.Errorf("Type = %q", out.Type)
	}
	if out.Severity != "SEVERITY_UNKNOWN" {
		t.Errorf("Severity = %q, want SEVERITY_UNKNOWN for legacy NONE", out.Severity)
	}
	if out.ShortCode != "RL" {
		t.Errorf("ShortCode = %q, want first two characters of the name", out.ShortCode)
	}
	if len(out.AffectedProducts) != 1 || out.AffectedProducts[0] != "Rocky Linux 9" {
		t.Errorf("AffectedProducts = %v", out.AffectedProducts)
	}
	rpms, ok := out.RPMs["Rocky Linux 9"]
	if !ok || len(rpms) != 1 {
		t.Fatalf("expected one grouped rpm, got %+v", out.RPMs)
	}
}

func TestBuildRSSFeed(t *testing.T) {
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	advisories := []apollo.DownstreamAdvisory{
		{ID: 1, Name: "RLSA-2024:1234", Synopsis: "bash update", Topic: "topic", PublishedAt: &published},
	}
	feed := BuildRSSFeed(advisories, "https://errata.rockylinux.org", "Rocky Enterprise Software Foundation", "RESF", 2024)
	if feed.Title != "Rocky Enterprise Software Foundation Errata Feed" {
		t.Errorf("Title = %q", feed.Title)
	}
	if len(feed.Items) != 1 || feed.Items[0].Title != "RLSA-2024:1234: bash update" {
		t.Fatalf("unexpected items: %+v", feed.Items)
	}
	if feed.PubDate == "" {
		t.Errorf("expected PubDate to be set from the first advisory")
	}
}
