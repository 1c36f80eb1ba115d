// Package apiformat implements Apollo's public serialization formats:
// OSV, the legacy v2 JSON advisory shape, and the v2 RSS feed. These
// are pure functions over the apollo domain types and own no I/O. The
// httpapi package serves only updateinfo.xml and does not call them.
//
// The OSV shape is grounded on
// original_source/apollo/server/routes/api_osv.py's to_osv_advisory;
// the legacy JSON and RSS shapes on api_compat.py's v3_advisory_to_v2
// and list_advisories_compat_v2_rss.
package apiformat

import (
	"fmt"
	"strings"
	"time"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/nevra"
)

// OSVAdvisory is the github.com/ossf/osv-schema advisory document
// Apollo publishes for every downstream advisory.
type OSVAdvisory struct {
	SchemaVersion string          `json:"schema_version"`
	ID            string          `json:"id"`
	Modified      string          `json:"modified"`
	Published     string          `json:"published"`
	Withdrawn     *string         `json:"withdrawn"`
	Aliases       []string        `json:"aliases"`
	Related       []string        `json:"related"`
	Summary       string          `json:"summary"`
	Details       string          `json:"details"`
	Severity      []OSVSeverity   `json:"severity"`
	Affected      []OSVAffected   `json:"affected"`
	References    []OSVReference  `json:"references"`
	Credits       []OSVCredit     `json:"credits"`
}

type OSVSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type OSVPackage struct {
	Ecosystem string  `json:"ecosystem"`
	Name      string  `json:"name"`
	Purl      *string `json:"purl,omitempty"`
}

type OSVEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

type OSVRange struct {
	Type   string     `json:"type"`
	Repo   string     `json:"repo"`
	Events []OSVEvent `json:"events"`
}

type OSVAffected struct {
	Package  OSVPackage `json:"package"`
	Ranges   []OSVRange `json:"ranges"`
	Versions []string   `json:"versions"`
}

type OSVReference struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type OSVCredit struct {
	Name    string   `json:"name"`
	Contact []string `json:"contact,omitempty"`
}

// OSVInput is everything ToOSVAdvisory needs to render one advisory:
// the advisory row, its related rows, and the supporting product and
// mirror lookups packages refer to by ID.
type OSVInput struct {
	UIBaseURL string
	Advisory  apollo.DownstreamAdvisory
	CVEs      []apollo.CVE
	Fixes     []apollo.Fix
	Packages  []apollo.DownstreamPackage
	Products  map[int64]apollo.SupportedProduct
	Mirrors   map[int64]apollo.Mirror
}

// ToOSVAdvisory builds an OSVAdvisory from a downstream advisory and
// its resolved packages, grouping packages into OSV "affected" entries
// by (product, package name) the way the upstream route does.
func ToOSVAdvisory(in OSVInput) OSVAdvisory {
	type group struct {
		ecosystem string
		pkgName   string
		pkgs      []apollo.DownstreamPackage
	}
	groups := map[string]*group{}
	var order []string
	for _, pkg := range in.Packages {
		product := in.Products[pkg.SupportedProductID]
		mirror := in.Mirrors[pkg.MirrorID]
		ecosystem := fmt.Sprintf("%s:%d", slug(product.Variant), mirror.MatchMajorVersion)
		key := ecosystem + "\x00" + pkg.PackageName
		g, ok := groups[key]
		if !ok {
			g = &group{ecosystem: ecosystem, pkgName: pkg.PackageName}
			groups[key] = g
			order = append(order, key)
		}
		g.pkgs = append(g.pkgs, pkg)
	}

	var affected []OSVAffected
	vendors := map[string]bool{}
	var vendorOrder []string
	for _, key := range order {
		g := groups[key]
		affected = append(affected, toAffected(in, g.ecosystem, g.pkgName, g.pkgs))
		for _, pkg := range g.pkgs {
			v := in.Products[pkg.SupportedProductID].Vendor
			if v != "" && !vendors[v] {
				vendors[v] = true
				vendorOrder = append(vendorOrder, v)
			}
		}
	}

	refs := []OSVReference{{Type: "ADVISORY", URL: fmt.Sprintf("%s/%s", strings.TrimSuffix(in.UIBaseURL, "/"), in.Advisory.Name)}}
	for _, fix := range in.Fixes {
		refs = append(refs, OSVReference{Type: "REPORT", URL: fix.SourceURL})
	}

	var severities []OSVSeverity
	var aliases []string
	for _, cve := range in.CVEs {
		aliases = append(aliases, cve.CVE)
		severities = append(severities, OSVSeverity{Type: "CVSS_V3", Score: cve.CVSS3ScoringVector})
	}

	credits := make([]OSVCredit, 0, len(vendorOrder)+1)
	for _, v := range vendorOrder {
		credits = append(credits, OSVCredit{Name: v})
	}
	credits = append(credits, OSVCredit{Name: "Red Hat"})

	modified := formatRFC3339(in.Advisory.UpdatedAt)
	var published string
	if in.Advisory.PublishedAt != nil {
		published = formatRFC3339(*in.Advisory.PublishedAt)
	}

	return OSVAdvisory{
		SchemaVersion: "1.6.0",
		ID:            in.Advisory.Name,
		Modified:      modified,
		Published:     published,
		Aliases:       aliases,
		Related:       []string{},
		Summary:       in.Advisory.Synopsis,
		Details:       in.Advisory.Description,
		Severity:      severities,
		Affected:      affected,
		References:    refs,
		Credits:       credits,
	}
}

func toAffected(in OSVInput, ecosystem, pkgName string, pkgs []apollo.DownstreamPackage) OSVAffected {
	var purl *string
	var verRel string

	for _, pkg := range pkgs {
		n, err := nevra.Parse(pkg.NEVRA)
		if err != nil {
			continue
		}
		verRel = fmt.Sprintf("%s-%s", n.Version, n.Release)
		mirror := in.Mirrors[pkg.MirrorID]
		product := in.Products[pkg.SupportedProductID]
		arch := mirror.MatchArch

		u := packageurl.NewPackageURL(
			"rpm",
			slug(product.Variant),
			pkgName,
			verRel,
			packageurl.QualifiersFromMap(map[string]string{
				"arch":   arch,
				"distro": slug(fmt.Sprintf("%s %d", product.Name, mirror.MatchMajorVersion)),
			}),
			"",
		)
		s := fmt.Sprint(u)
		purl = &s
		break
	}

	affected := OSVAffected{
		Package: OSVPackage{
			Ecosystem: ecosystem,
			Name:      pkgName,
			Purl:      purl,
		},
		Versions: []string{},
	}
	if verRel == "" {
		return affected
	}
	for _, pkg := range pkgs {
		affected.Ranges = append(affected.Ranges, OSVRange{
			Type: "ECOSYSTEM",
			Repo: pkg.RepoName,
			Events: []OSVEvent{
				{Introduced: "0"},
				{Fixed: verRel},
			},
		})
	}
	return affected
}

func formatRFC3339(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "Z"
}

// slug lowercases and hyphenates s for use as an OSV ecosystem or purl
// namespace/qualifier component.
func slug(s string) string {
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
