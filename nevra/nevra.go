// Package nevra implements parsing and normalization of RPM
// Name-Epoch-Version-Release-Architecture strings.
//
// The [Parse] and [Clean] functions give every other component in
// this module a single, shared notion of package identity: upstream
// advisories and downstream repositories describe the same artifact
// with dist tags and module-build suffixes that differ but that must
// compare equal once cleaned.
package nevra

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	version "github.com/knqyf263/go-rpm-version"
)

// ErrInvalidNEVRA is returned by [Parse] when a string is missing its
// architecture, release, version, or a recognized dist tag.
var ErrInvalidNEVRA = errors.New("nevra: invalid NEVRA string")

// DistIDs is the recognized set of distribution identifiers embedded
// in a release's dist tag. Extensible per spec.md §9. distPattern and
// distTagRE spell out the same identifiers literally, so changing
// DistIDs alone does not change what [Parse] recognizes.
var DistIDs = []string{"el", "rhel", "sles"}

var distPattern = regexp.MustCompile(`(?:module\+)?(?:el|rhel|sles)(\d+)(?:[._](\d+))?`)

// distTagRE strips the "<dist-id><major>[_<minor>]" suffix from a
// release string, e.g. ".el9_4" or ".el9".
var distTagRE = regexp.MustCompile(`\.(?:el|rhel|sles)\d+(?:_\d+)?`)

// moduleDistRE strips the module-build suffix from a release string,
// e.g. ".module+el8.10.0+22411+85254afd".
var moduleDistRE = regexp.MustCompile(`\.module.+$`)

// NEVRA is a parsed RPM package identifier.
type NEVRA struct {
	Name      string
	Epoch     string // defaults to "0"
	Version   string
	Release   string
	Arch      string
	DistMajor int
	DistMinor *int // nullable

	// Raw is the original string with ".rpm" stripped and epoch
	// preserved.
	Raw string
	// Cleaned is "name-version-release.arch" (no epoch) with the dist
	// tag and module-build suffix stripped from the release, prefixed
	// "module." when the package is modular.
	Cleaned string
	// Modular reports whether Release carried a ".module+" marker.
	Modular bool
}

// Parse parses a NEVRA string of the form
// "name-[epoch:]version-release.arch[.rpm]".
//
// Ported from the reference implementation's rsplit-based parser:
// arch, then release, then version are peeled off the right, in that
// order, so package names containing hyphens parse correctly.
func Parse(s string) (NEVRA, error) {
	s = strings.TrimSuffix(s, ".rpm")

	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return NEVRA{}, fmt.Errorf("%w: %q: missing architecture", ErrInvalidNEVRA, s)
	}
	rest, arch := s[:i], s[i+1:]

	i = strings.LastIndexByte(rest, '-')
	if i < 0 {
		return NEVRA{}, fmt.Errorf("%w: %q: missing release", ErrInvalidNEVRA, s)
	}
	nvr, release := rest[:i], rest[i+1:]

	i = strings.LastIndexByte(nvr, '-')
	if i < 0 {
		return NEVRA{}, fmt.Errorf("%w: %q: missing version", ErrInvalidNEVRA, s)
	}
	name, ver := nvr[:i], nvr[i+1:]

	epoch := "0"
	if idx := strings.IndexByte(ver, ':'); idx >= 0 {
		epoch, ver = ver[:idx], ver[idx+1:]
	}

	major, minor, ok := parseDistVersion(release)
	if !ok {
		return NEVRA{}, fmt.Errorf("%w: %q: no recognized dist tag in release %q", ErrInvalidNEVRA, s, release)
	}

	modular := strings.Contains(release, ".module+")
	cleanRelease := moduleDistRE.ReplaceAllString(distTagRE.ReplaceAllString(release, ""), "")

	n := NEVRA{
		Name:      name,
		Epoch:     epoch,
		Version:   ver,
		Release:   release,
		Arch:      arch,
		DistMajor: major,
		DistMinor: minor,
		Modular:   modular,
	}
	n.Raw = s
	n.Cleaned = fmt.Sprintf("%s-%s-%s.%s", name, ver, cleanRelease, arch)
	if modular {
		n.Cleaned = "module." + n.Cleaned
	}
	return n, nil
}

// parseDistVersion extracts the major/minor distribution version
// embedded in a release string, e.g. "427.55.1.el9_4" -> (9, 4, true).
func parseDistVersion(release string) (major int, minor *int, ok bool) {
	m := distPattern.FindStringSubmatch(release)
	if m == nil {
		return 0, nil, false
	}
	maj, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, nil, false
	}
	if m[2] != "" {
		min, err := strconv.Atoi(m[2])
		if err == nil {
			minor = &min
		}
	}
	return maj, minor, true
}

// NamePrefixMatch reports whether a candidate repository package's
// cleaned NEVRA absorbs an advisory's cleaned NEVRA: the candidate's
// "name-version-release" must start with the advisory's, and the
// arches must be equal.
//
// This absorbs a downstream rebuild appending a single-character
// counter to the release, e.g. advisory release "6.el9" matching
// candidate release "6.el9.1" once both are cleaned.
func NamePrefixMatch(advisory, candidate NEVRA) bool {
	if advisory.Arch != candidate.Arch {
		return false
	}
	advNVR := strings.TrimSuffix(advisory.Cleaned, "."+advisory.Arch)
	candNVR := strings.TrimSuffix(candidate.Cleaned, "."+candidate.Arch)
	return strings.HasPrefix(candNVR, advNVR)
}

// moduleReleaseRE decomposes a modular release into its counter,
// dist-info, module build counter, and context parts, mirroring the
// reference implementation's module_re:
// "<counter>.module+<distInfo>+<moduleCounter>+<context><rebuildSuffix>".
var moduleReleaseRE = regexp.MustCompile(`^([0-9.a-z]+)\.module\+(.+)\+(.+)\+([a-z0-9]{8})(.*)$`)

// moduleParts is the decomposition of a modular release string.
type moduleParts struct {
	counter      string
	distInfo     string
	moduleBuild  string
	context      string
	rebuildExtra string
}

func parseModuleRelease(release string) (moduleParts, bool) {
	m := moduleReleaseRE.FindStringSubmatch(release)
	if m == nil {
		return moduleParts{}, false
	}
	return moduleParts{
		counter:      m[1],
		distInfo:     m[2],
		moduleBuild:  m[3],
		context:      m[4],
		rebuildExtra: m[5],
	}, true
}

// ModuleCompatible reports whether two modular packages' releases
// describe the same module build: the leading counter and the
// dist-info part must be equal. The module build counter, the context
// and any trailing rebuild suffix are not compared, so a release that
// differs from the other only in those parts is accepted.
//
// Callers MUST only invoke this once both releases are known to carry
// a ".module+" marker; non-modular releases are out of scope here and
// must never be compared as if they were modular (spec.md testable
// property 8).
func ModuleCompatible(a, b string) bool {
	pa, ok := parseModuleRelease(a)
	if !ok {
		return false
	}
	pb, ok := parseModuleRelease(b)
	if !ok {
		return false
	}
	return pa.counter == pb.counter && pa.distInfo == pb.distInfo
}

// Compare orders two NEVRAs by epoch:version-release precedence using
// RPM version-comparison semantics. It returns a negative number,
// zero, or a positive number as a < b, a == b, or a > b.
func Compare(a, b NEVRA) int {
	av := version.NewVersion(a.Epoch + ":" + a.Version + "-" + a.Release)
	bv := version.NewVersion(b.Epoch + ":" + b.Version + "-" + b.Release)
	return av.Compare(bv)
}

// Highest returns the candidate among cands with the greatest EVR,
// used to break ties deterministically when more than one repository
// package shares a cleaned NEVRA with an advisory package.
func Highest(cands []NEVRA) (NEVRA, bool) {
	if len(cands) == 0 {
		return NEVRA{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if Compare(c, best) > 0 {
			best = c
		}
	}
	return best, true
}
