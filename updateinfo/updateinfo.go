// Package updateinfo renders downstream advisories as updateinfo.xml,
// the DNF/YUM repository metadata format that lets a package manager
// discover and classify available errata.
//
// The generator is grounded on the legacy and v2 updateinfo routes of
// the upstream service: per-module collection splitting and the
// package filtering (source RPMs, debuginfo packages, foreign
// architectures, and the anti-contamination check) follow that
// implementation. Advisories are rendered in the order given;
// duplicates in the input are not merged.
package updateinfo

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/internal/matcher"
	"github.com/rocky-linux/apollo/nevra"
)

// issuedLayout matches the "YYYY-MM-DD HH:MM:SS" timestamps DNF
// expects on <issued>/<updated> elements.
const issuedLayout = "2006-01-02 15:04:05"

var skipSuffixes = []string{
	"-debuginfo",
	"-debugsource",
	"-debuginfo-common",
	"-debugsource-common",
}

// AdvisoryData is everything Generate needs to render one advisory:
// the advisory row plus the rows that belong to it.
type AdvisoryData struct {
	Advisory         apollo.DownstreamAdvisory
	CVEs             []apollo.CVE
	Fixes            []apollo.Fix
	Packages         []apollo.DownstreamPackage
	AffectedProducts []apollo.AffectedProduct
}

// Options controls how a slice of advisories is rendered for one
// product/repo/architecture request.
type Options struct {
	Product     apollo.SupportedProduct
	Repo        string // repository name filter; empty means no filter
	ProductArch string // mirror architecture, e.g. "x86_64"

	// CollectionProduct names the product used to build the default
	// collection's "short" slug, e.g. "Rocky Linux 9". Defaults to
	// Product.Name when empty.
	CollectionProduct string

	// MajorVersion and MinorVersion feed the <release> element, e.g.
	// "Rocky Linux 9.4". MinorVersion is omitted from the release
	// string when nil.
	MajorVersion int
	MinorVersion *int

	// ValidateProductConsistency enables the anti-contamination
	// check: a package whose SupportedProductID disagrees with
	// WantSupportedProductID is logged and skipped rather than
	// trusted blindly.
	ValidateProductConsistency bool
	WantSupportedProductID     int64

	From      string // <update from="...">, e.g. "errata@rockylinux.org"
	Rights    string // <rights> copyright text
	UIBaseURL string // base URL for the "self" reference
}

// Generate renders updateinfo.xml for a set of advisories. Advisories
// that end up contributing zero packages once filtering is applied
// (property 9: every <update> present must carry at least one
// package) are omitted entirely, rather than emitted empty.
func Generate(advisories []AdvisoryData, opts Options) (string, error) {
	arches := matcher.ArchPolicy(opts.ProductArch)

	root := updatesXML{}
	for _, data := range advisories {
		u, ok := buildUpdate(data, opts, arches)
		if ok {
			root.Updates = append(root.Updates, u)
		}
	}

	body, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return "", fmt.Errorf("updateinfo: marshal: %w", err)
	}
	return xml.Header + string(body) + "\n", nil
}

func buildUpdate(data AdvisoryData, opts Options, arches map[string]bool) (updateXML, bool) {
	adv := data.Advisory

	u := updateXML{
		From:        opts.From,
		Status:      "final",
		Type:        adv.Kind.UpdateInfoType(),
		Version:     "2",
		ID:          adv.Name,
		Title:       adv.Synopsis,
		Rights:      opts.Rights,
		Pushcount:   "1",
		Severity:    adv.Severity,
		Summary:     adv.Topic,
		Description: adv.Description,
		Solution:    "",
	}
	if adv.PublishedAt != nil {
		u.Issued = dateXML{Date: adv.PublishedAt.Format(issuedLayout)}
	} else {
		u.Issued = dateXML{Date: time.Time{}.Format(issuedLayout)}
	}
	u.Updated = dateXML{Date: adv.UpdatedAt.Format(issuedLayout)}

	release := fmt.Sprintf("%s %d", opts.Product.Name, opts.MajorVersion)
	if opts.MinorVersion != nil {
		release += fmt.Sprintf(".%d", *opts.MinorVersion)
	}
	u.Release = release

	u.References = buildReferences(data, opts)

	collections := buildCollections(data, opts, arches)
	if len(collections) == 0 {
		return updateXML{}, false
	}
	u.Pkglist = pkglistXML{Collection: collections}
	return u, true
}

func buildReferences(data AdvisoryData, opts Options) referencesXML {
	var refs referencesXML
	for _, cve := range data.CVEs {
		refs.Reference = append(refs.Reference, referenceXML{
			Href:  fmt.Sprintf("https://cve.mitre.org/cgi-bin/cvename.cgi?name=%s", cve.CVE),
			ID:    cve.CVE,
			Type:  "cve",
			Title: cve.CVE,
		})
	}
	for _, fix := range data.Fixes {
		refs.Reference = append(refs.Reference, referenceXML{
			Href:  fix.SourceURL,
			ID:    fix.TicketID,
			Type:  "bugzilla",
			Title: fix.Description,
		})
	}
	refs.Reference = append(refs.Reference, referenceXML{
		Href:  fmt.Sprintf("%s/%s", strings.TrimSuffix(opts.UIBaseURL, "/"), data.Advisory.Name),
		ID:    data.Advisory.Name,
		Type:  "self",
		Title: data.Advisory.Name,
	})
	return refs
}

// collectionBuilder accumulates the packages destined for one
// <collection> element while it is still being assembled.
type collectionBuilder struct {
	short         string
	moduleName    string
	moduleStream  string
	moduleVersion string
	moduleContext string
	isModule      bool
	packages      []apollo.DownstreamPackage
}

// buildCollections groups an advisory's packages into collections
// (property: module packages never share a collection with
// non-module packages of the same advisory), applies the
// anti-contamination and repository filters, then renders each
// collection's <package> elements. Collections left with zero
// packages after filtering are dropped.
func buildCollections(data AdvisoryData, opts Options, arches map[string]bool) []collectionXML {
	filterName := opts.CollectionProduct
	if filterName == "" {
		filterName = opts.Product.Name
	}
	defaultShort := slugify(fmt.Sprintf("%s-rpms", filterName))
	if opts.Repo != "" {
		defaultShort = slugify(fmt.Sprintf("%s-%s-rpms", filterName, opts.Repo))
	}

	srcRPMs := buildSourceRPMIndex(data.Packages)

	var filtered []apollo.DownstreamPackage
	for _, pkg := range data.Packages {
		if opts.ValidateProductConsistency && pkg.SupportedProductID != opts.WantSupportedProductID {
			slog.Default().With("component", "updateinfo.buildCollections").Error(
				"data integrity violation: package supported_product_id disagrees with affected_product",
				"advisory", data.Advisory.Name, "package", pkg.NEVRA, "package_id", pkg.ID,
				"got", pkg.SupportedProductID, "want", opts.WantSupportedProductID)
			continue
		}
		if opts.Repo != "" && pkg.RepoName != opts.Repo {
			continue
		}
		filtered = append(filtered, pkg)
	}

	hasModule := false
	for _, pkg := range filtered {
		if pkg.Modular() {
			hasModule = true
			break
		}
	}

	var order []string
	builders := map[string]*collectionBuilder{}
	for _, pkg := range filtered {
		if pkg.Modular() {
			short := defaultShort + "__" + *pkg.ModuleName
			cb, ok := builders[short]
			if !ok {
				cb = &collectionBuilder{short: short, isModule: true, moduleName: *pkg.ModuleName}
				if pkg.ModuleStream != nil {
					cb.moduleStream = *pkg.ModuleStream
				}
				if pkg.ModuleVersion != nil {
					cb.moduleVersion = *pkg.ModuleVersion
				}
				if pkg.ModuleContext != nil {
					cb.moduleContext = *pkg.ModuleContext
				}
				builders[short] = cb
				order = append(order, short)
			}
			cb.packages = append(cb.packages, pkg)
			continue
		}
		if hasModule {
			// Module advisories never emit a default collection
			// alongside their module collections.
			continue
		}
		cb, ok := builders[defaultShort]
		if !ok {
			cb = &collectionBuilder{short: defaultShort}
			builders[defaultShort] = cb
			order = append(order, defaultShort)
		}
		cb.packages = append(cb.packages, pkg)
	}

	var out []collectionXML
	for _, short := range order {
		cb := builders[short]
		pkgs := renderPackages(cb.packages, srcRPMs, opts.ProductArch, arches)
		if len(pkgs) == 0 {
			continue
		}
		c := collectionXML{Short: cb.short, Name: cb.short, Package: pkgs}
		if cb.isModule {
			c.Module = &moduleXML{
				Name:    cb.moduleName,
				Stream:  cb.moduleStream,
				Version: cb.moduleVersion,
				Context: cb.moduleContext,
				Arch:    opts.ProductArch,
			}
		}
		out = append(out, c)
	}
	return out
}

func collectionKey(pkg apollo.DownstreamPackage) string {
	if pkg.Modular() {
		return fmt.Sprintf("%s:%s:%s", *pkg.ModuleName, pkg.PackageName, derefOr(pkg.ModuleStream, ""))
	}
	return pkg.PackageName
}

// buildSourceRPMIndex finds, for every (module, package-name) group
// appearing in an advisory, the source RPM filename its binary
// packages were built from.
func buildSourceRPMIndex(pkgs []apollo.DownstreamPackage) map[string]string {
	grouped := map[string][]apollo.DownstreamPackage{}
	var order []string
	for _, pkg := range pkgs {
		k := collectionKey(pkg)
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], pkg)
	}

	out := map[string]string{}
	for _, k := range order {
		for _, pkg := range grouped[k] {
			n, err := nevra.Parse(pkg.NEVRA)
			if err != nil {
				continue
			}
			if n.Name == pkg.PackageName && n.Arch == "src" {
				out[k] = fmt.Sprintf("%s-%s-%s.src.rpm", n.Name, n.Version, n.Release)
				break
			}
		}
	}
	return out
}

func renderPackages(pkgs []apollo.DownstreamPackage, srcRPMs map[string]string, productArch string, arches map[string]bool) []packageXML {
	var out []packageXML
	for _, pkg := range pkgs {
		n, err := nevra.Parse(pkg.NEVRA)
		if err != nil {
			slog.Default().With("component", "updateinfo.renderPackages").
				Warn("skipping unparseable downstream package NEVRA", "err", err, "package", pkg.NEVRA)
			continue
		}
		if n.Arch == "src" {
			continue
		}
		if hasSkipSuffix(n.Name) {
			continue
		}
		if !arches[n.Arch] {
			continue
		}
		src, ok := srcRPMs[collectionKey(pkg)]
		if !ok {
			continue
		}
		out = append(out, packageXML{
			Name:     n.Name,
			Arch:     n.Arch,
			Epoch:    n.Epoch,
			Version:  n.Version,
			Release:  n.Release,
			Src:      src,
			Filename: fmt.Sprintf("%s-%s-%s.%s.rpm", n.Name, n.Version, n.Release, n.Arch),
			Sum:      sumXML{Type: pkg.ChecksumType, Value: pkg.Checksum},
		})
	}
	return out
}

func hasSkipSuffix(name string) bool {
	for _, s := range skipSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// slugify lowercases and hyphenates s, matching the product-repo slug
// convention used for a collection's "short" attribute.
func slugify(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// XML wire structs.

type updatesXML struct {
	XMLName xml.Name    `xml:"updates"`
	Updates []updateXML `xml:"update"`
}

type updateXML struct {
	From        string        `xml:"from,attr"`
	Status      string        `xml:"status,attr"`
	Type        string        `xml:"type,attr"`
	Version     string        `xml:"version,attr"`
	ID          string        `xml:"id"`
	Title       string        `xml:"title"`
	Issued      dateXML       `xml:"issued"`
	Updated     dateXML       `xml:"updated"`
	Rights      string        `xml:"rights"`
	Release     string        `xml:"release"`
	Pushcount   string        `xml:"pushcount"`
	Severity    string        `xml:"severity"`
	Summary     string        `xml:"summary"`
	Description string        `xml:"description"`
	Solution    string        `xml:"solution"`
	References  referencesXML `xml:"references"`
	Pkglist     pkglistXML    `xml:"pkglist"`
}

type dateXML struct {
	Date string `xml:"date,attr"`
}

type referencesXML struct {
	Reference []referenceXML `xml:"reference"`
}

type referenceXML struct {
	Href  string `xml:"href,attr"`
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type pkglistXML struct {
	Collection []collectionXML `xml:"collection"`
}

type collectionXML struct {
	Short   string       `xml:"short,attr"`
	Name    string       `xml:"name"`
	Module  *moduleXML   `xml:"module,omitempty"`
	Package []packageXML `xml:"package"`
}

type moduleXML struct {
	Name    string `xml:"name,attr"`
	Stream  string `xml:"stream,attr"`
	Version string `xml:"version,attr"`
	Context string `xml:"context,attr"`
	Arch    string `xml:"arch,attr"`
}

type packageXML struct {
	Name     string `xml:"name,attr"`
	Arch     string `xml:"arch,attr"`
	Epoch    string `xml:"epoch,attr"`
	Version  string `xml:"version,attr"`
	Release  string `xml:"release,attr"`
	Src      string `xml:"src,attr"`
	Filename string `xml:"filename"`
	Sum      sumXML `xml:"sum"`
}

type sumXML struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}
