package apiformat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rocky-linux/apollo"
)

// LegacyAdvisory is the v2-compatible advisory shape served by the
// legacy JSON API, grounded on api_compat.py's v3_advisory_to_v2.
type LegacyAdvisory struct {
	ID               int64                   `json:"id"`
	PublishedAt      string                  `json:"publishedAt"`
	Name             string                  `json:"name"`
	Synopsis         string                  `json:"synopsis"`
	Description      string                  `json:"description"`
	Type             string                  `json:"type"`
	Severity         string                  `json:"severity"`
	ShortCode        string                  `json:"shortCode"`
	Topic            string                  `json:"topic"`
	Solution         *string                 `json:"solution"`
	RPMs             map[string][]LegacyRPM  `json:"rpms"`
	AffectedProducts []string                `json:"affectedProducts"`
	References       []string                `json:"references"`
	RebootSuggested  bool                    `json:"rebootSuggested"`
	BuildReferences  []string                `json:"buildReferences"`
	Fixes            []LegacyFix             `json:"fixes"`
	CVEs             []LegacyCVE             `json:"cves"`
}

type LegacyRPM struct {
	NEVRA string `json:"nevra"`
}

type LegacyFix struct {
	Ticket      string `json:"ticket"`
	SourceBy    string `json:"sourceBy"`
	SourceLink  string `json:"sourceLink"`
	Description string `json:"description"`
}

type LegacyCVE struct {
	Name               string `json:"name"`
	CVSS3ScoringVector string `json:"cvss3ScoringVector"`
	CVSS3BaseScore     string `json:"cvss3BaseScore"`
	CWE                string `json:"cwe"`
	SourceBy           string `json:"sourceBy"`
	SourceLink         string `json:"sourceLink"`
}

// LegacyInput mirrors OSVInput: the advisory plus its related rows and
// the product/mirror lookups packages refer to by ID.
type LegacyInput struct {
	Advisory         apollo.DownstreamAdvisory
	CVEs             []apollo.CVE
	Fixes            []apollo.Fix
	Packages         []apollo.DownstreamPackage
	AffectedProducts []apollo.AffectedProduct
	Products         map[int64]apollo.SupportedProduct
	Mirrors          map[int64]apollo.Mirror
	IncludeRPMs      bool
}

// legacyKindText maps a Kind to the v2 API's TYPE_* enum strings.
func legacyKindText(k apollo.Kind) string {
	switch k {
	case apollo.KindBugFix:
		return "TYPE_BUGFIX"
	case apollo.KindEnhancement:
		return "TYPE_ENHANCEMENT"
	default:
		return "TYPE_SECURITY"
	}
}

// legacySeverity upper-cases a severity string and rewrites "NONE" to
// "UNKNOWN", matching v3_advisory_to_v2's special case.
func legacySeverity(s string) string {
	up := strings.ToUpper(s)
	if up == "NONE" {
		up = "UNKNOWN"
	}
	return "SEVERITY_" + up
}

// ToLegacyAdvisory renders one downstream advisory in the v2 JSON
// shape clients of the compatibility API still depend on.
func ToLegacyAdvisory(in LegacyInput) LegacyAdvisory {
	apSet := map[string]bool{}
	var apOrder []string
	for _, ap := range in.AffectedProducts {
		name := fmt.Sprintf("%s %d", ap.Variant, ap.MajorVersion)
		if !apSet[name] {
			apSet[name] = true
			apOrder = append(apOrder, name)
		}
	}
	sort.Strings(apOrder)

	cves := make([]LegacyCVE, 0, len(in.CVEs))
	for _, cve := range in.CVEs {
		cves = append(cves, LegacyCVE{
			Name:               cve.CVE,
			CVSS3ScoringVector: cve.CVSS3ScoringVector,
			CVSS3BaseScore:     cve.CVSS3BaseScore,
			CWE:                cve.CWE,
			SourceBy:           "Red Hat",
			SourceLink:         fmt.Sprintf("https://access.redhat.com/hydra/rest/securitydata/cve/%s.json", cve.CVE),
		})
	}

	fixes := make([]LegacyFix, 0, len(in.Fixes))
	for _, fix := range in.Fixes {
		fixes = append(fixes, LegacyFix{
			Ticket:      fix.TicketID,
			SourceBy:    "Red Hat",
			SourceLink:  fix.SourceURL,
			Description: fix.Description,
		})
	}

	rpms := map[string][]LegacyRPM{}
	if in.IncludeRPMs {
		seen := map[string]map[string]bool{}
		for _, pkg := range in.Packages {
			product := in.Products[pkg.SupportedProductID]
			mirror := in.Mirrors[pkg.MirrorID]
			name := fmt.Sprintf("%s %d", product.Variant, mirror.MatchMajorVersion)
			if _, ok := rpms[name]; !ok {
				rpms[name] = nil
				seen[name] = map[string]bool{}
			}
			if seen[name][pkg.NEVRA] {
				continue
			}
			seen[name][pkg.NEVRA] = true
			rpms[name] = append(rpms[name], LegacyRPM{NEVRA: pkg.NEVRA})
		}
	}

	topic := in.Advisory.Topic
	shortCode := in.Advisory.Name
	if len(shortCode) > 2 {
		shortCode = shortCode[:2]
	}

	var publishedAt string
	if in.Advisory.PublishedAt != nil {
		publishedAt = formatRFC3339(*in.Advisory.PublishedAt)
	}

	return LegacyAdvisory{
		ID:               in.Advisory.ID,
		PublishedAt:      publishedAt,
		Name:             in.Advisory.Name,
		Synopsis:         in.Advisory.Synopsis,
		Description:      in.Advisory.Description,
		Type:             legacyKindText(in.Advisory.Kind),
		Severity:         legacySeverity(in.Advisory.Severity),
		ShortCode:        shortCode,
		Topic:            topic,
		Solution:         nil,
		RPMs:             rpms,
		AffectedProducts: apOrder,
		References:       []string{},
		RebootSuggested:  false,
		BuildReferences:  []string{},
		Fixes:            fixes,
		CVEs:             cves,
	}
}

// RSSItem is one entry of the v2 RSS compatibility feed.
type RSSItem struct {
	Title       string
	Link        string
	Description string
	GUID        string
	PubDate     string
}

// RSSFeed is the rendered v2 RSS compatibility feed, grounded on
// api_compat.py's list_advisories_compat_v2_rss.
type RSSFeed struct {
	Title          string
	Link           string
	Description    string
	Copyright      string
	ManagingEditor string
	PubDate        string
	LastBuildDate  string
	Items          []RSSItem
}

// BuildRSSFeed assembles an RSSFeed from a page of advisories already
// ordered oldest-first, the order the legacy route reverses its
// newest-first query result into before iterating.
func BuildRSSFeed(advisories []apollo.DownstreamAdvisory, uiBaseURL, companyName, managingEditor string, year int) RSSFeed {
	feed := RSSFeed{
		Title:          fmt.Sprintf("%s Errata Feed", companyName),
		Link:           uiBaseURL,
		Description:    fmt.Sprintf("Advisories issued by %s", companyName),
		Copyright:      fmt.Sprintf("(C) %s %d. All rights reserved. CVE sources are copyright of their respective owners.", companyName, year),
		ManagingEditor: fmt.Sprintf("%s (%s)", managingEditor, companyName),
	}
	if len(advisories) == 0 {
		return feed
	}
	first := advisories[0]
	if first.PublishedAt != nil {
		feed.PubDate = formatRFC3339(*first.PublishedAt)
		feed.LastBuildDate = feed.PubDate
	}
	for _, adv := range advisories {
		item := RSSItem{
			Title:       fmt.Sprintf("%s: %s", adv.Name, adv.Synopsis),
			Link:        fmt.Sprintf("%s/%s", strings.TrimSuffix(uiBaseURL, "/"), adv.Name),
			Description: adv.Topic,
			GUID:        fmt.Sprintf("%d", adv.ID),
		}
		if adv.PublishedAt != nil {
			item.PubDate = formatRFC3339(*adv.PublishedAt)
		}
		feed.Items = append(feed.Items, item)
	}
	return feed
}
