package matcher

import (
	"testing"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/ledger"
	"github.com/rocky-linux/apollo/repomd"
)

func rhel9Mirror() apollo.Mirror {
	return apollo.Mirror{ID: 1, MatchVariant: "Red Hat Enterprise Linux", MatchMajorVersion: 9, MatchArch: "x86_64"}
}

func candidatesFor(advisoryName, nevraStr string) []ledger.AdvisoryWithPackages {
	return []ledger.AdvisoryWithPackages{{
		Advisory: apollo.UpstreamAdvisory{ID: 1, Name: advisoryName},
		Packages: []apollo.UpstreamPackage{{NEVRA: nevraStr}},
	}}
}

// S1 Plain match.
func TestProcessRepomdPlainMatch(t *testing.T) {
	cands := candidatesFor("RHSA-2024:1234", "bash-0:5.1.8-6.el9.x86_64")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9.1", Arch: "x86_64"},
	}}

	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-BaseOS", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	matched, ok := out["RHSA-2024:1234"]
	if !ok || len(matched) != 1 {
		t.Fatalf("expected one matched package, got %v", out)
	}
}

// S2 Modular match.
func TestProcessRepomdModularMatch(t *testing.T) {
	cands := candidatesFor("RHSA-2024:5555", "redis-0:7.2.10-1.module+el9.6.0+23332+115a3b01.x86_64")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "redis", Epoch: "0", Version: "7.2.10", Release: "1.module+el9.6.0+23332+115a3b01.1", Arch: "x86_64"},
	}}

	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-AppStream", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	matched, ok := out["RHSA-2024:5555"]
	if !ok || len(matched) != 1 {
		t.Fatalf("expected modular match, got %v", out)
	}
}

// S3 Module mismatch.
func TestProcessRepomdModuleMismatch(t *testing.T) {
	cands := candidatesFor("RHSA-2024:5556", "redis-0:7.2.10-1.module+el9.5.0+23332+115a3b01.x86_64")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "redis", Epoch: "0", Version: "7.2.10", Release: "1.module+el9.6.0+23332+115a3b01.1", Arch: "x86_64"},
	}}

	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-AppStream", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["RHSA-2024:5556"]; ok {
		t.Fatalf("expected no match due to dist-info mismatch, got %v", out)
	}
}

// Testable property 7: arch policy excludes a foreign arch.
func TestProcessRepomdArchPolicy(t *testing.T) {
	cands := candidatesFor("RHSA-2024:1235", "bash-0:5.1.8-6.el9.aarch64")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9", Arch: "aarch64"},
	}}

	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-BaseOS", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["RHSA-2024:1235"]; ok {
		t.Fatalf("aarch64 package must not satisfy an x86_64 mirror, got %v", out)
	}
}

// Tie-break: when more than one repository build satisfies the same
// advisory package (here, via the name-prefix fallback), only the
// highest-EVR candidate is kept.
func TestProcessRepomdPicksHighestEVRAmongTies(t *testing.T) {
	cands := candidatesFor("RHSA-2024:1237", "bash-0:5.1.8-6.el9.x86_64")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9.2", Arch: "x86_64"},
		{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9.1", Arch: "x86_64"},
	}}

	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-BaseOS", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	matched, ok := out["RHSA-2024:1237"]
	if !ok || len(matched) != 1 {
		t.Fatalf("expected exactly one tie-broken match, got %v", out)
	}
	if matched[0].NEVRA.Release != "6.el9.2" {
		t.Errorf("expected the higher-EVR candidate to win, got release %q", matched[0].NEVRA.Release)
	}
}

func TestProcessRepomdI686ExceptionForX86_64(t *testing.T) {
	cands := candidatesFor("RHSA-2024:1236", "glibc-0:2.34-100.el9.i686")
	res := &repomd.Result{Packages: []repomd.Package{
		{Name: "glibc", Epoch: "0", Version: "2.34", Release: "100.el9", Arch: "i686"},
	}}
	out, err := ProcessRepomd(rhel9Mirror(), "rocky9-BaseOS", res, cands)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["RHSA-2024:1236"]; !ok {
		t.Fatalf("i686 must satisfy an x86_64 mirror, got %v", out)
	}
}
