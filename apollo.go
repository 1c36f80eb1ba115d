// Package apollo declares the logical data model shared by every
// component of the errata matching pipeline: products, mirrors,
// repository metadata configuration, upstream and downstream
// advisories, and the block/override ledger.
//
// Types here carry no persistence tags; datastore/postgres owns the
// mapping between these structs and SQL rows.
package apollo

import (
	"errors"
	"time"
)

// Kind is the advisory classification shared by upstream and
// downstream advisories.
type Kind int

const (
	KindUnknown Kind = iota
	KindSecurity
	KindBugFix
	KindEnhancement
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindSecurity:
		return "Security"
	case KindBugFix:
		return "Bug Fix"
	case KindEnhancement:
		return "Enhancement"
	default:
		return "Unknown"
	}
}

// KindText returns the human-readable advisory-kind label, matching
// the RHSA/RHBA/RHEA naming convention. The apiformat serializers do
// not call it: the legacy JSON format writes its own TYPE_* strings.
func (k Kind) KindText() string {
	switch k {
	case KindSecurity:
		return "Security Advisory"
	case KindBugFix:
		return "Bug Fix Advisory"
	case KindEnhancement:
		return "Enhancement Advisory"
	default:
		return "Advisory"
	}
}

// UpdateInfoType returns the updateinfo.xml <update type="..."> value
// for this advisory kind.
func (k Kind) UpdateInfoType() string {
	switch k {
	case KindSecurity:
		return "security"
	case KindBugFix:
		return "bugfix"
	case KindEnhancement:
		return "enhancement"
	default:
		return "bugfix"
	}
}

// Error taxonomy (spec §7). InvalidNEVRA lives in package nevra,
// alongside the parser that raises it.
var (
	// ErrIntegrityViolation is returned or logged when a
	// DownstreamPackage's supported product disagrees with its
	// advisory's affected-product row.
	ErrIntegrityViolation = errors.New("apollo: integrity violation: package supported_product_id disagrees with affected_product row")
	// ErrProductUnknown is surfaced as 404 at the HTTP boundary.
	ErrProductUnknown = errors.New("apollo: unknown product")
	// ErrSliceEmpty is surfaced as 404 when a requested updateinfo
	// slice matches zero advisories.
	ErrSliceEmpty = errors.New("apollo: no advisories for requested slice")
)

// SupportedProduct is a downstream distribution product, e.g. "Rocky
// Linux 9".
type SupportedProduct struct {
	ID        int64
	Name      string // unique, immutable after first match
	Variant   string
	Vendor    string
	Code      string // short code, prefixed onto downstream advisory names
	Slug      string // closed-map slug used in the HTTP surface
	CreatedAt time.Time
}

// Mirror selects a slice of upstream advisories by
// (match_variant, match_major_version, match_minor_version, match_arch)
// and owns its own Repomd, Block, and Override rows.
type Mirror struct {
	ID                int64
	SupportedProductID int64
	Name              string
	MatchVariant      string
	MatchMajorVersion int
	MatchMinorVersion *int // nullable
	MatchArch         string
	Active            bool
}

// Repomd is one configured repository belonging to a Mirror.
type Repomd struct {
	ID         int64
	MirrorID   int64
	RepoName   string
	Arch       string
	Production bool
	URL        string
	DebugURL   string
	SourceURL  string
}

// UpstreamAdvisory is an advisory as published by the upstream vendor.
type UpstreamAdvisory struct {
	ID          int64
	Name        string // unique, e.g. "RHSA-2024:1234"
	IssuedAt    time.Time
	Synopsis    string
	Description string
	Kind        Kind
	Severity    string
	Topic       string
}

// UpstreamPackage is one NEVRA listed by an UpstreamAdvisory.
type UpstreamPackage struct {
	ID                 int64
	UpstreamAdvisoryID int64
	NEVRA              string
}

// UpstreamCVE is a CVE referenced by an UpstreamAdvisory.
type UpstreamCVE struct {
	ID                 int64
	UpstreamAdvisoryID int64
	CVE                string
	CVSS3ScoringVector string
	CVSS3BaseScore     string
	CWE                string
}

// UpstreamBug is a tracking-bug fix referenced by an UpstreamAdvisory.
type UpstreamBug struct {
	ID                 int64
	UpstreamAdvisoryID int64
	TicketID           string
	SourceURL          string
	Description        string
}

// UpstreamAffectedProduct identifies a (variant, name, major, minor,
// arch) slice that an UpstreamAdvisory affects; matched against a
// Mirror's selector.
type UpstreamAffectedProduct struct {
	ID                 int64
	UpstreamAdvisoryID int64
	Variant            string
	Name               string
	MajorVersion       int
	MinorVersion       *int
	Arch               string
}

// Override forces inclusion of an upstream advisory for a mirror
// regardless of whether it matched the mirror's selector. It is
// "pending" while UpdatedAt is nil.
type Override struct {
	ID                 int64
	MirrorID           int64
	UpstreamAdvisoryID int64
	CreatedAt          time.Time
	UpdatedAt          *time.Time
}

// Pending reports whether this override has not yet been consumed by
// a successful clone.
func (o Override) Pending() bool { return o.UpdatedAt == nil }

// Block records that an upstream advisory is not to be reattempted
// for a mirror, either because it cloned successfully or because a
// pass produced no matches.
type Block struct {
	ID                 int64
	MirrorID           int64
	UpstreamAdvisoryID int64
	CreatedAt          time.Time
}

// DownstreamAdvisory is the re-issued advisory referring to the
// downstream distribution's own packages.
type DownstreamAdvisory struct {
	ID                 int64
	Name               string // unique, stable across re-runs
	UpstreamAdvisoryID int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PublishedAt        *time.Time
	Synopsis           string
	Description         string
	Kind               Kind
	Severity           string
	Topic              string
}

// DownstreamPackage is one downstream repository package resolved for
// a DownstreamAdvisory.
type DownstreamPackage struct {
	ID                   int64
	DownstreamAdvisoryID int64
	MirrorID             int64
	SupportedProductID   int64
	NEVRA                string
	Checksum             string
	ChecksumType         string
	RepoName             string
	PackageName          string // source RPM name
	ModuleName           *string
	ModuleStream         *string
	ModuleVersion        *string
	ModuleContext        *string
}

// Modular reports whether this package was built as part of a module
// stream.
func (p DownstreamPackage) Modular() bool { return p.ModuleName != nil }

// CVE is a CVE copied onto a DownstreamAdvisory from its upstream.
type CVE struct {
	ID                   int64
	DownstreamAdvisoryID int64
	CVE                  string
	CVSS3ScoringVector   string
	CVSS3BaseScore       string
	CWE                  string
}

// Fix is a tracking-bug fix copied onto a DownstreamAdvisory from its
// upstream.
type Fix struct {
	ID                   int64
	DownstreamAdvisoryID int64
	TicketID             string
	SourceURL            string
	Description          string
}

// AffectedProduct is the downstream-side analogue of
// UpstreamAffectedProduct: one per participating mirror of a clone.
type AffectedProduct struct {
	ID                   int64
	DownstreamAdvisoryID int64
	SupportedProductID   int64
	Variant              string
	Name                 string
	MajorVersion         int
	MinorVersion         *int
	Arch                 string
}

// IndexState tracks the last successful ingestion timestamp read by
// PollWorkflow.
type IndexState struct {
	LastIndexedAt *time.Time
}
