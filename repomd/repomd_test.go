package repomd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
)

const repomdXMLDoc = `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <location href="repodata/abcd-primary.xml.gz"/>
  </data>
  <data type="modules">
    <location href="repodata/abcd-modules.yaml.gz"/>
  </data>
</repomd>`

const primaryXMLDoc = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" xmlns:rpm="http://linux.duke.edu/metadata/rpm" packages="1">
  <package type="rpm">
    <name>bash</name>
    <arch>x86_64</arch>
    <version epoch="0" ver="5.1.8" rel="6.el9"/>
    <checksum type="sha256" pkgid="YES">deadbeef</checksum>
    <format>
      <rpm:sourcerpm>bash-5.1.8-6.el9.src.rpm</rpm:sourcerpm>
    </format>
  </package>
</metadata>`

const modulesYAMLDoc = `---
document: modulemd
version: 2
data:
  name: redis
  stream: "7"
  version: 9060020231208123208
  context: 115a3b01
  artifacts:
    rpms:
    - redis-0:7.2.10-1.module+el9.6.0+23332+115a3b01.x86_64
...
`

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(repomdXMLDoc))
	})
	mux.HandleFunc("/repodata/abcd-primary.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipBytes(t, primaryXMLDoc))
	})
	mux.HandleFunc("/repodata/abcd-modules.yaml.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipBytes(t, modulesYAMLDoc))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := Read(context.Background(), srv.Client(), srv.URL+"/repodata/repomd.xml", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	want := []Package{{
		Name: "bash", Epoch: "0", Version: "5.1.8", Release: "6.el9", Arch: "x86_64",
		Checksum: "deadbeef", ChecksumType: "sha256", SourceRPM: "bash-5.1.8-6.el9.src.rpm",
	}}
	if diff := cmp.Diff(want, res.Packages); diff != "" {
		t.Errorf("Packages mismatch (-want +got):\n%s", diff)
	}

	art, ok := res.Modules["redis-0:7.2.10-1.module+el9.6.0+23332+115a3b01.x86_64"]
	if !ok {
		t.Fatal("expected module artifact entry for redis NEVRA")
	}
	if art.Name != "redis" || art.Stream != "7" || art.Context != "115a3b01" {
		t.Errorf("unexpected module artifact: %+v", art)
	}
}

func TestReadMissingPrimary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<repomd xmlns="http://linux.duke.edu/metadata/repo"></repomd>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Read(context.Background(), srv.Client(), srv.URL+"/repodata/repomd.xml", 0)
	var se *SchemaError
	if err == nil || !errors.As(err, &se) {
		t.Fatalf("Read() error = %v, want *SchemaError", err)
	}
}

func TestReadFetchError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Read(context.Background(), srv.Client(), srv.URL+"/repodata/repomd.xml", 0)
	var fe *FetchError
	if err == nil || !errors.As(err, &fe) {
		t.Fatalf("Read() error = %v, want *FetchError", err)
	}
}
