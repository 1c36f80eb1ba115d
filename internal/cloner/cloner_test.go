package cloner

import (
	"context"
	"testing"
	"time"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/matcher"
	"github.com/rocky-linux/apollo/repomd"
)

type fakeStore struct {
	advisories map[string]apollo.DownstreamAdvisory
	nextID     int64
	packages   []apollo.DownstreamPackage
	cves       []apollo.CVE
	fixes      []apollo.Fix
	aps        []apollo.AffectedProduct
	blocks     []apollo.Block
	overrides  map[int64][]int64 // upstreamID -> mirrorIDs resolved
	deleted    map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		advisories: map[string]apollo.DownstreamAdvisory{},
		overrides:  map[int64][]int64{},
		deleted:    map[int64]bool{},
	}
}

func (f *fakeStore) GetOrCreateDownstreamAdvisory(ctx context.Context, a apollo.DownstreamAdvisory) (apollo.DownstreamAdvisory, bool, error) {
	if existing, ok := f.advisories[a.Name]; ok {
		return existing, false, nil
	}
	f.nextID++
	a.ID = f.nextID
	f.advisories[a.Name] = a
	return a, true, nil
}

func (f *fakeStore) SetTopic(ctx context.Context, advisoryID int64, topic string) error {
	for name, a := range f.advisories {
		if a.ID == advisoryID {
			a.Topic = topic
			f.advisories[name] = a
		}
	}
	return nil
}

func (f *fakeStore) InsertPackages(ctx context.Context, pkgs []apollo.DownstreamPackage) error {
	f.packages = append(f.packages, pkgs...)
	return nil
}
func (f *fakeStore) InsertCVEs(ctx context.Context, cves []apollo.CVE) error {
	f.cves = append(f.cves, cves...)
	return nil
}
func (f *fakeStore) InsertFixes(ctx context.Context, fixes []apollo.Fix) error {
	f.fixes = append(f.fixes, fixes...)
	return nil
}
func (f *fakeStore) InsertAffectedProducts(ctx context.Context, aps []apollo.AffectedProduct) error {
	f.aps = append(f.aps, aps...)
	return nil
}
func (f *fakeStore) InsertBlocks(ctx context.Context, blocks []apollo.Block) error {
	f.blocks = append(f.blocks, blocks...)
	return nil
}
func (f *fakeStore) ResolveOverrides(ctx context.Context, upstreamAdvisoryID int64, mirrorIDs []int64, now time.Time) error {
	f.overrides[upstreamAdvisoryID] = mirrorIDs
	return nil
}
func (f *fakeStore) DeleteDownstreamAdvisory(ctx context.Context, id int64) error {
	f.deleted[id] = true
	return nil
}

func testProduct() apollo.SupportedProduct {
	return apollo.SupportedProduct{ID: 1, Name: "Rocky Linux", Variant: "Rocky Linux", Vendor: "Rocky Enterprise Software Foundation", Code: "R"}
}

func testMirror() apollo.Mirror {
	return apollo.Mirror{ID: 10, SupportedProductID: 1, Name: "rocky9", MatchMajorVersion: 9, MatchArch: "x86_64"}
}

func TestCloneHappyPath(t *testing.T) {
	store := newFakeStore()
	mirror := testMirror()
	in := Input{
		Product: testProduct(),
		Upstream: apollo.UpstreamAdvisory{
			ID: 1, Name: "RHSA-2024:1234",
			Synopsis: "Red Hat Enterprise Linux bash security update",
		},
		UpstreamCVEs: []apollo.UpstreamCVE{{CVE: "CVE-2024-0001"}},
		UpstreamBugs: []apollo.UpstreamBug{{TicketID: "12345", Description: "bash bug"}},
		Mirrors:      []apollo.Mirror{mirror},
		Packages: []matcher.RepoPackage{{
			Pkg:      repomd.Package{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9", Arch: "x86_64", SourceRPM: "bash-5.1.8-6.el9.src.rpm"},
			MirrorID: mirror.ID,
			RepoName: "rocky9-BaseOS",
		}},
	}

	if err := Clone(context.Background(), store, in); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	adv, ok := store.advisories["RSA-2024:1234"]
	if !ok {
		t.Fatalf("expected downstream advisory RSA-2024:1234, got %v", store.advisories)
	}
	if adv.Synopsis != "Rocky Linux bash security update" {
		t.Errorf("Synopsis = %q, want rewritten text", adv.Synopsis)
	}
	if len(store.packages) != 1 {
		t.Fatalf("expected 1 downstream package, got %d", len(store.packages))
	}
	if store.packages[0].PackageName != "bash" {
		t.Errorf("PackageName = %q, want bash", store.packages[0].PackageName)
	}
	if len(store.blocks) != 1 {
		t.Errorf("expected 1 block row, got %d", len(store.blocks))
	}
}

func TestCloneIdempotent(t *testing.T) {
	store := newFakeStore()
	mirror := testMirror()
	in := Input{
		Product:  testProduct(),
		Upstream: apollo.UpstreamAdvisory{ID: 1, Name: "RHSA-2024:1234"},
		Mirrors:  []apollo.Mirror{mirror},
		Packages: []matcher.RepoPackage{{
			Pkg:      repomd.Package{Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9", Arch: "x86_64", SourceRPM: "bash-5.1.8-6.el9.src.rpm"},
			MirrorID: mirror.ID,
			RepoName: "rocky9-BaseOS",
		}},
	}

	if err := Clone(context.Background(), store, in); err != nil {
		t.Fatal(err)
	}
	if err := Clone(context.Background(), store, in); err != nil {
		t.Fatal(err)
	}

	if len(store.advisories) != 1 {
		t.Errorf("expected exactly one downstream advisory after two runs, got %d", len(store.advisories))
	}
}

func TestCloneNoMatchesBlocksOnly(t *testing.T) {
	store := newFakeStore()
	mirror := testMirror()
	in := Input{
		Product:  testProduct(),
		Upstream: apollo.UpstreamAdvisory{ID: 2, Name: "RHSA-2024:9999"},
		Mirrors:  []apollo.Mirror{mirror},
	}
	if err := Clone(context.Background(), store, in); err != nil {
		t.Fatal(err)
	}
	if len(store.advisories) != 0 {
		t.Errorf("expected no advisory created, got %d", len(store.advisories))
	}
	if len(store.blocks) != 1 {
		t.Errorf("expected 1 block row, got %d", len(store.blocks))
	}
}

func TestDownstreamNameShape(t *testing.T) {
	got := DownstreamName("XL", "RHSA-2024:1234")
	want := "XLSA-2024:1234"
	if got != want {
		t.Errorf("DownstreamName() = %q, want %q", got, want)
	}
}

func TestSynthesizeTopic(t *testing.T) {
	product := testProduct()
	mirrors := []apollo.Mirror{testMirror()}
	pkgs := []apollo.DownstreamPackage{{PackageName: "bash"}, {PackageName: "bash"}}
	topic := SynthesizeTopic(pkgs, product, mirrors)
	if topic == "" {
		t.Fatal("expected non-empty synthesized topic")
	}
}
