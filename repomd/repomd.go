// Package repomd fetches and parses YUM/DNF repository metadata:
// repomd.xml, the primary.xml package list it points at, and the
// optional modules.yaml modulemd stream.
package repomd

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	yaml "go.yaml.in/yaml/v2"
)

// FetchError is returned when an HTTP request for repomd.xml or one
// of its referenced data files fails or returns a status other than
// 200 OK.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("repomd: fetching %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("repomd: fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError is returned on decompression or XML/YAML parse
// failure.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("repomd: decoding %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaError is returned when repomd.xml is missing a required
// <data> element, namely "primary".
type SchemaError struct {
	URL  string
	What string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("repomd: %s: missing %s", e.URL, e.What)
}

// Package is one <package> record from primary.xml.
type Package struct {
	Name         string
	Epoch        string
	Version      string
	Release      string
	Arch         string
	Checksum     string
	ChecksumType string
	SourceRPM    string
}

// NEVRA returns the package's full NEVRA string.
func (p Package) NEVRA() string {
	epoch := p.Epoch
	if epoch == "" {
		epoch = "0"
	}
	return fmt.Sprintf("%s-%s:%s-%s.%s", p.Name, epoch, p.Version, p.Release, p.Arch)
}

// ModuleArtifact identifies the module stream a modular package NEVRA
// belongs to.
type ModuleArtifact struct {
	Name    string
	Stream  string
	Version string
	Context string
}

// Result is the output of a successful [Read]: the package list of
// primary.xml and, when the repository carries a modules.yaml, a map
// from package NEVRA to the module stream that produced it.
type Result struct {
	Packages []Package
	Modules  map[string]ModuleArtifact
}

// Read fetches repomd.xml at repomdURL, resolves and fetches its
// "primary" and (if present) "modules" data files, and returns the
// combined package/module view.
//
// Repomds larger than maxBytes are rejected rather than fully
// buffered, per spec.md §5's backpressure requirement; pass 0 for no
// cap.
func Read(ctx context.Context, client *http.Client, repomdURL string, maxBytes int64) (*Result, error) {
	if client == nil {
		client = http.DefaultClient
	}

	root, err := fetchRepomd(ctx, client, repomdURL, maxBytes)
	if err != nil {
		return nil, err
	}

	primaryHref, ok := locationFor(root, "primary")
	if !ok {
		return nil, &SchemaError{URL: repomdURL, What: `<data type="primary">`}
	}
	primaryURL, err := resolveHref(repomdURL, primaryHref)
	if err != nil {
		return nil, &DecodeError{URL: repomdURL, Err: err}
	}
	pkgs, err := fetchPrimary(ctx, client, primaryURL, maxBytes)
	if err != nil {
		return nil, err
	}

	res := &Result{Packages: pkgs}

	if modulesHref, ok := locationFor(root, "modules"); ok {
		modulesURL, err := resolveHref(repomdURL, modulesHref)
		if err != nil {
			return nil, &DecodeError{URL: repomdURL, Err: err}
		}
		mods, err := fetchModules(ctx, client, modulesURL, maxBytes)
		if err != nil {
			return nil, err
		}
		res.Modules = mods
	}

	return res, nil
}

// --- repomd.xml ---

type repomdXML struct {
	XMLName xml.Name    `xml:"repomd"`
	Data    []dataEntry `xml:"data"`
}

type dataEntry struct {
	Type     string   `xml:"type,attr"`
	Location location `xml:"location"`
}

type location struct {
	Href string `xml:"href,attr"`
}

func fetchRepomd(ctx context.Context, client *http.Client, repomdURL string, maxBytes int64) (*repomdXML, error) {
	body, err := fetchAndDecompress(ctx, client, repomdURL, maxBytes)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var root repomdXML
	if err := xml.NewDecoder(body).Decode(&root); err != nil {
		return nil, &DecodeError{URL: repomdURL, Err: err}
	}
	return &root, nil
}

func locationFor(root *repomdXML, dataType string) (string, bool) {
	for _, d := range root.Data {
		if d.Type == dataType {
			return d.Location.Href, true
		}
	}
	return "", false
}

// resolveHref resolves a repomd <location href> relative to the
// parent of the "repodata/" directory containing repomd.xml, the way
// the reference implementation's get_data_from_repomd does:
// path.Join(dir(repomd.xml), "..", href).
func resolveHref(repomdURL, href string) (string, error) {
	u, err := url.Parse(repomdURL)
	if err != nil {
		return "", err
	}
	dir := path.Dir(u.Path)
	u.Path = path.Join(dir, "..", href)
	return u.String(), nil
}

// --- primary.xml ---

type primaryXML struct {
	XMLName  xml.Name      `xml:"metadata"`
	Packages []packageElem `xml:"package"`
}

type packageElem struct {
	Type    string `xml:"type,attr"`
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum struct {
		Type string `xml:"type,attr"`
		Text string `xml:",chardata"`
	} `xml:"checksum"`
	Format struct {
		SourceRPM string `xml:"sourcerpm"`
	} `xml:"format"`
}

func fetchPrimary(ctx context.Context, client *http.Client, primaryURL string, maxBytes int64) ([]Package, error) {
	body, err := fetchAndDecompress(ctx, client, primaryURL, maxBytes)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc primaryXML
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return nil, &DecodeError{URL: primaryURL, Err: err}
	}

	pkgs := make([]Package, 0, len(doc.Packages))
	for _, p := range doc.Packages {
		epoch := p.Version.Epoch
		if epoch == "" {
			epoch = "0"
		}
		pkgs = append(pkgs, Package{
			Name:         p.Name,
			Epoch:        epoch,
			Version:      p.Version.Ver,
			Release:      p.Version.Rel,
			Arch:         p.Arch,
			Checksum:     p.Checksum.Text,
			ChecksumType: p.Checksum.Type,
			SourceRPM:    p.Format.SourceRPM,
		})
	}
	return pkgs, nil
}

// --- modules.yaml (modulemd stream) ---

type modulemdDoc struct {
	Document string `yaml:"document"`
	Data     struct {
		Name      string `yaml:"name"`
		Stream    string `yaml:"stream"`
		Version   int64  `yaml:"version"`
		Context   string `yaml:"context"`
		Artifacts struct {
			RPMs []string `yaml:"rpms"`
		} `yaml:"artifacts"`
	} `yaml:"data"`
}

func fetchModules(ctx context.Context, client *http.Client, modulesURL string, maxBytes int64) (map[string]ModuleArtifact, error) {
	body, err := fetchAndDecompress(ctx, client, modulesURL, maxBytes)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out := map[string]ModuleArtifact{}
	dec := yaml.NewDecoder(body)
	for {
		var doc modulemdDoc
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &DecodeError{URL: modulesURL, Err: err}
		}
		if doc.Document != "modulemd" {
			continue
		}
		art := ModuleArtifact{
			Name:    doc.Data.Name,
			Stream:  doc.Data.Stream,
			Version: strconv.FormatInt(doc.Data.Version, 10),
			Context: doc.Data.Context,
		}
		for _, nevraStr := range doc.Data.Artifacts.RPMs {
			out[nevraStr] = art
		}
	}
	return out, nil
}

// --- transport ---

func fetchAndDecompress(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "apollo/repomd")

	res, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, &FetchError{URL: rawURL, StatusCode: res.StatusCode}
	}

	var r io.Reader = res.Body
	if maxBytes > 0 {
		r = io.LimitReader(res.Body, maxBytes+1)
	}

	switch {
	case strings.HasSuffix(rawURL, ".gz"):
		buf, err := io.ReadAll(r)
		res.Body.Close()
		if err != nil {
			return nil, &FetchError{URL: rawURL, Err: err}
		}
		if maxBytes > 0 && int64(len(buf)) > maxBytes {
			return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("repomd: %s exceeds configured byte cap", rawURL)}
		}
		gz, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, &DecodeError{URL: rawURL, Err: err}
		}
		return gz, nil
	case strings.HasSuffix(rawURL, ".xz"):
		buf, err := io.ReadAll(r)
		res.Body.Close()
		if err != nil {
			return nil, &FetchError{URL: rawURL, Err: err}
		}
		if maxBytes > 0 && int64(len(buf)) > maxBytes {
			return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("repomd: %s exceeds configured byte cap", rawURL)}
		}
		xr, err := xz.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, &DecodeError{URL: rawURL, Err: err}
		}
		return io.NopCloser(xr), nil
	default:
		if maxBytes > 0 {
			buf, err := io.ReadAll(r)
			res.Body.Close()
			if err != nil {
				return nil, &FetchError{URL: rawURL, Err: err}
			}
			if int64(len(buf)) > maxBytes {
				return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("repomd: %s exceeds configured byte cap", rawURL)}
			}
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		return res.Body, nil
	}
}
