// Package httpapi implements the single in-scope HTTP surface: the v2
// updateinfo.xml route a DNF/YUM client points its repository
// baseurl's repodata at.
//
// Grounded on original_source/apollo/server/routes/api_updateinfo.py's
// get_updateinfo_v2 (slug resolution via a closed map, required arch
// validation, 400/404 error mapping, the
// "{product} {major} {arch}" product-consistency string passed down
// to the generator) and cmd/libvulnhttp/main.go's plain net/http +
// http.Server wiring (no web framework appears anywhere in the
// teacher's go.mod).
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rocky-linux/apollo"
	"github.com/rocky-linux/apollo/updateinfo"
)

// productSlugs maps the closed set of URL product slugs to
// SupportedProduct.Name values, matching PRODUCT_SLUG_MAP.
var productSlugs = map[string]string{
	"rocky-linux":           "Rocky Linux",
	"rocky-linux-sig-cloud": "Rocky Linux SIG Cloud",
}

// validArches is the closed set of architectures a v2 updateinfo
// request may name. DNF always asks for a specific architecture
// because repodata itself is architecture-specific.
var validArches = []string{"x86_64", "aarch64", "ppc64le", "s390x"}

func resolveProductSlug(slug string) (string, bool) {
	name, ok := productSlugs[strings.ToLower(slug)]
	return name, ok
}

func validArch(arch string) bool {
	for _, a := range validArches {
		if a == arch {
			return true
		}
	}
	return false
}

// Store is the read-only seam httpapi needs from the datastore. It is
// deliberately narrow and independent of datastore/postgres, the same
// way internal/cloner.Store and internal/orchestration.Store are
// defined as seams rather than concrete dependencies.
type Store interface {
	// ProductByName looks up a SupportedProduct by its unique name,
	// returning apollo.ErrProductUnknown when no row matches.
	ProductByName(ctx context.Context, name string) (apollo.SupportedProduct, error)

	// AdvisoriesForSlice returns every AdvisoryData whose advisory has
	// an AffectedProduct row matching the given product, major
	// version, repo and arch (and, when non-nil, minor version).
	// Package rows are pre-filtered to the same supported product id,
	// matching the upstream route's double-checked filter dict.
	AdvisoriesForSlice(ctx context.Context, productID int64, majorVersion int, minorVersion *int, repo, arch string) ([]updateinfo.AdvisoryData, error)
}

// Config carries the handler's fixed rendering parameters, sourced
// from deployment configuration (flags/env in cmd/apollo-api) rather
// than hardcoded, unlike the upstream service's settings-table reads.
type Config struct {
	UIBaseURL string
	From      string // <update from="...">
	Rights    string
}

// Handler serves the v2 updateinfo.xml route.
type Handler struct {
	Store  Store
	Config Config
	Log    *slog.Logger
}

// NewHandler builds a Handler with a component-scoped logger, falling
// back to the default logger when log is nil.
func NewHandler(store Store, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Store: store, Config: cfg, Log: log.With("component", "httpapi.Handler")}
}

// Routes registers the handler's routes on mux. The path matches the
// upstream router's "/{product}/{major_version}/{repo}/updateinfo.xml"
// shape mounted under a versioned prefix.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v3/updateinfo/{product}/{major}/{repo}/updateinfo.xml", h.serveUpdateInfo)
}

func (h *Handler) serveUpdateInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.PathValue("product")
	repo := r.PathValue("repo")

	majorVersion, err := strconv.Atoi(r.PathValue("major"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid major version: %s", r.PathValue("major")))
		return
	}

	arch := r.URL.Query().Get("arch")
	if !validArch(arch) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid architecture: %s. must be one of %s", arch, strings.Join(validArches, ", ")))
		return
	}

	var minorVersion *int
	if mv := r.URL.Query().Get("minor_version"); mv != "" {
		n, err := strconv.Atoi(mv)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid minor version: %s", mv))
			return
		}
		minorVersion = &n
	}

	productName, ok := resolveProductSlug(slug)
	if !ok {
		names := make([]string, 0, len(productSlugs))
		for k := range productSlugs {
			names = append(names, k)
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown product: %s. valid products: %s", slug, strings.Join(names, ", ")))
		return
	}

	product, err := h.Store.ProductByName(ctx, productName)
	if err != nil {
		if errors.Is(err, apollo.ErrProductUnknown) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("product not found in database: %s", productName))
			return
		}
		h.Log.Error("lookup product", "err", err, "product", productName)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	advisories, err := h.Store.AdvisoriesForSlice(ctx, product.ID, majorVersion, minorVersion, repo, arch)
	if err != nil {
		if errors.Is(err, apollo.ErrSliceEmpty) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no advisories found for %s %d %s %s", productName, majorVersion, repo, arch))
			return
		}
		h.Log.Error("load advisories", "err", err, "product", productName)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(advisories) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no advisories found for %s %d %s %s", productName, majorVersion, repo, arch))
		return
	}

	body, err := updateinfo.Generate(advisories, updateinfo.Options{
		Product:                    product,
		Repo:                       repo,
		ProductArch:                arch,
		CollectionProduct:          fmt.Sprintf("%s %d %s", productName, majorVersion, arch),
		MajorVersion:               majorVersion,
		MinorVersion:               minorVersion,
		ValidateProductConsistency: true,
		WantSupportedProductID:     product.ID,
		From:                       h.Config.From,
		Rights:                     h.Config.Rights,
		UIBaseURL:                  h.Config.UIBaseURL,
	})
	if err != nil {
		h.Log.Error("generate updateinfo", "err", err, "product", productName)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"detail":%q}`, msg)
}
