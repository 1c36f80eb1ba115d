package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/ledger"
)

type fakeLister struct{ ids []int64 }

func (f fakeLister) ListProductsWithMirrors(ctx context.Context) ([]int64, error) { return f.ids, nil }

type fakeMatcher struct {
	calls []int64
	fail  map[int64]bool
}

func (f *fakeMatcher) MatchProduct(ctx context.Context, productID int64) error {
	f.calls = append(f.calls, productID)
	if f.fail[productID] {
		return errors.New("boom")
	}
	return nil
}

func TestRhMatcherWorkflowVisitsEveryProduct(t *testing.T) {
	lister := fakeLister{ids: []int64{1, 2, 3}}
	m := &fakeMatcher{fail: map[int64]bool{2: true}}

	if err := RhMatcherWorkflow(context.Background(), lister, m, nil); err != nil {
		t.Fatalf("RhMatcherWorkflow() error = %v", err)
	}
	if len(m.calls) != 3 {
		t.Fatalf("expected all 3 products attempted despite product 2 failing, got %v", m.calls)
	}
}

func TestRhMatcherWorkflowFilter(t *testing.T) {
	lister := fakeLister{ids: []int64{1, 2, 3}}
	m := &fakeMatcher{}
	only := int64(2)

	if err := RhMatcherWorkflow(context.Background(), lister, m, &only); err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 1 || m.calls[0] != 2 {
		t.Fatalf("expected only product 2 to be matched, got %v", m.calls)
	}
}

type fakeIndexState struct{ last *time.Time }

func (f fakeIndexState) GetLastIndexedAt(ctx context.Context) (*time.Time, error) { return f.last, nil }

type fakePoller struct{ got time.Time }

func (f *fakePoller) PollUpstream(ctx context.Context, from time.Time) error {
	f.got = from
	return nil
}

func TestPollWorkflow(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	poller := &fakePoller{}

	if err := PollWorkflow(context.Background(), fakeIndexState{last: &last}, poller); err != nil {
		t.Fatal(err)
	}
	if !poller.got.Equal(last) {
		t.Errorf("PollUpstream called with from=%v, want %v", poller.got, last)
	}
}

func TestPollWorkflowNilState(t *testing.T) {
	poller := &fakePoller{}
	if err := PollWorkflow(context.Background(), fakeIndexState{}, poller); err != nil {
		t.Fatal(err)
	}
	if !poller.got.IsZero() {
		t.Errorf("expected zero-value from timestamp when no state exists, got %v", poller.got)
	}
}

// fakeStore implements Store with just enough behavior to exercise
// BlockUnmatchedForProduct; the matcher/cloner write paths are unused
// by that activity and are stubbed out.
type fakeStore struct {
	mirrors    []apollo.Mirror
	unmatched  map[int64][]ledger.AdvisoryWithPackages
	blocks     []apollo.Block
}

func (f *fakeStore) GetOrCreateDownstreamAdvisory(ctx context.Context, a apollo.DownstreamAdvisory) (apollo.DownstreamAdvisory, bool, error) {
	return a, true, nil
}
func (f *fakeStore) SetTopic(ctx context.Context, advisoryID int64, topic string) error { return nil }
func (f *fakeStore) InsertPackages(ctx context.Context, pkgs []apollo.DownstreamPackage) error {
	return nil
}
func (f *fakeStore) InsertCVEs(ctx context.Context, cves []apollo.CVE) error   { return nil }
func (f *fakeStore) InsertFixes(ctx context.Context, fixes []apollo.Fix) error { return nil }
func (f *fakeStore) InsertAffectedProducts(ctx context.Context, aps []apollo.AffectedProduct) error {
	return nil
}
func (f *fakeStore) InsertBlocks(ctx context.Context, blocks []apollo.Block) error {
	f.blocks = append(f.blocks, blocks...)
	return nil
}
func (f *fakeStore) ResolveOverrides(ctx context.Context, upstreamAdvisoryID int64, mirrorIDs []int64, now time.Time) error {
	return nil
}
func (f *fakeStore) DeleteDownstreamAdvisory(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) Product(ctx context.Context, productID int64) (apollo.SupportedProduct, error) {
	return apollo.SupportedProduct{ID: productID}, nil
}
func (f *fakeStore) Mirrors(ctx context.Context, productID int64) ([]apollo.Mirror, error) {
	return f.mirrors, nil
}
func (f *fakeStore) Repomds(ctx context.Context, mirrorID int64) ([]apollo.Repomd, error) {
	return nil, nil
}
func (f *fakeStore) BaseCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	return nil, nil
}
func (f *fakeStore) PendingOverrides(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	return nil, nil
}
func (f *fakeStore) Blocks(ctx context.Context, mirrorID int64) ([]apollo.Block, error) {
	return nil, nil
}
func (f *fakeStore) UpstreamCVEs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamCVE, error) {
	return nil, nil
}
func (f *fakeStore) UpstreamBugs(ctx context.Context, upstreamAdvisoryID int64) ([]apollo.UpstreamBug, error) {
	return nil, nil
}
func (f *fakeStore) UnmatchedCandidates(ctx context.Context, mirrorID int64) ([]ledger.AdvisoryWithPackages, error) {
	return f.unmatched[mirrorID], nil
}

func TestBlockUnmatchedForProductSkipsMatched(t *testing.T) {
	store := &fakeStore{
		mirrors: []apollo.Mirror{{ID: 1, Active: true}},
		unmatched: map[int64][]ledger.AdvisoryWithPackages{
			1: {
				{Advisory: apollo.UpstreamAdvisory{ID: 10, Name: "RHSA-2024:0001"}},
				{Advisory: apollo.UpstreamAdvisory{ID: 11, Name: "RHSA-2024:0002"}},
			},
		},
	}
	matched := map[int64]bool{10: true}

	if err := BlockUnmatchedForProduct(context.Background(), store, 1, matched, Options{}); err != nil {
		t.Fatal(err)
	}
	if len(store.blocks) != 1 || store.blocks[0].UpstreamAdvisoryID != 11 {
		t.Fatalf("expected exactly one block for the unmatched advisory, got %+v", store.blocks)
	}
}

func TestBlockUnmatchedForProductBlockAllOnDefunct(t *testing.T) {
	store := &fakeStore{
		mirrors: []apollo.Mirror{{ID: 1, Active: true}},
		unmatched: map[int64][]ledger.AdvisoryWithPackages{
			1: {
				{Advisory: apollo.UpstreamAdvisory{ID: 10}},
				{Advisory: apollo.UpstreamAdvisory{ID: 11}},
			},
		},
	}
	matched := map[int64]bool{10: true}

	if err := BlockUnmatchedForProduct(context.Background(), store, 1, matched, Options{BlockAllOnDefunct: true}); err != nil {
		t.Fatal(err)
	}
	if len(store.blocks) != 2 {
		t.Fatalf("BlockAllOnDefunct should block every candidate regardless of match outcome, got %+v", store.blocks)
	}
}
