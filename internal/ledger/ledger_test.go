package ledger

import (
	"testing"
	"time"

	"github.com/rocky-linux/apollo"
)

func adv(id int64) AdvisoryWithPackages {
	return AdvisoryWithPackages{
		Advisory: apollo.UpstreamAdvisory{ID: id, Name: "RHSA-2024:0001"},
		Packages: []apollo.UpstreamPackage{{ID: 1, UpstreamAdvisoryID: id, NEVRA: "bash-0:5.1.8-6.el9.x86_64"}},
	}
}

func TestCandidatesGraceWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	base := []AdvisoryWithPackages{adv(1)}

	// S4: block 5 days old does not suppress retry.
	young := apollo.Block{UpstreamAdvisoryID: 1, CreatedAt: now.Add(-5 * 24 * time.Hour)}
	got := Candidates(base, nil, []apollo.Block{young}, now)
	if len(got) != 1 {
		t.Fatalf("young block: got %d candidates, want 1", len(got))
	}

	// A block past 14 days does suppress.
	old := apollo.Block{UpstreamAdvisoryID: 1, CreatedAt: now.Add(-15 * 24 * time.Hour)}
	got = Candidates(base, nil, []apollo.Block{old}, now)
	if len(got) != 0 {
		t.Fatalf("old block: got %d candidates, want 0", len(got))
	}

	// Exactly 14 days also suppresses ("at or past").
	exact := apollo.Block{UpstreamAdvisoryID: 1, CreatedAt: now.Add(-GracePeriod)}
	got = Candidates(base, nil, []apollo.Block{exact}, now)
	if len(got) != 0 {
		t.Fatalf("exact-grace block: got %d candidates, want 0", len(got))
	}
}

func TestCandidatesOverrideWins(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	// S6: advisory has no base match, but a pending override exists.
	override := adv(2)
	old := apollo.Block{UpstreamAdvisoryID: 2, CreatedAt: now.Add(-30 * 24 * time.Hour)}

	got := Candidates(nil, []AdvisoryWithPackages{override}, []apollo.Block{old}, now)
	if len(got) != 1 {
		t.Fatalf("override should be included despite an old block, got %d", len(got))
	}
}

func TestCandidatesDedup(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	base := []AdvisoryWithPackages{adv(1)}
	override := adv(1) // same advisory also pending-overridden
	got := Candidates(base, []AdvisoryWithPackages{override}, nil, now)
	if len(got) != 1 {
		t.Fatalf("expected dedup by advisory id, got %d entries", len(got))
	}
}

func TestCandidatesRequiresPackages(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	empty := AdvisoryWithPackages{Advisory: apollo.UpstreamAdvisory{ID: 9}}
	got := Candidates([]AdvisoryWithPackages{empty}, nil, nil, now)
	if len(got) != 0 {
		t.Fatalf("advisory without packages must be excluded, got %d", len(got))
	}
}
