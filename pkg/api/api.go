// Package api exposes the HTTP surface of the symbolication service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/symsrv/symsrv/pkg/device"
	"github.com/symsrv/symsrv/pkg/extractor"
	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/refresher"
	"github.com/symsrv/symsrv/pkg/symbolicator"
	"github.com/symsrv/symsrv/pkg/symstore"
)

// Scanner triggers firmware scans.
type Scanner interface {
	EnsureScanned(ctx context.Context, artifact firmware.Artifact) error
	Rescan(ctx context.Context, artifact firmware.Artifact) error
}

// RefreshRunner runs a full cache refresh.
type RefreshRunner interface {
	RefreshAll(ctx context.Context) (refresher.Result, error)
}

// KernelSignatures reports the signature versions loaded for kernel
// symbolication.
type KernelSignatures interface {
	Versions() []string
}

type Server struct {
	logger    log.Logger
	sym       *symbolicator.Symbolicator
	scanner   Scanner
	catalog   *firmware.Catalog
	store     *symstore.Store
	refresher RefreshRunner
	kernel    KernelSignatures
}

func NewServer(logger log.Logger, sym *symbolicator.Symbolicator, scanner Scanner, catalog *firmware.Catalog, store *symstore.Store, refreshRunner RefreshRunner, kern KernelSignatures) *Server {
	return &Server{
		logger:    logger,
		sym:       sym,
		scanner:   scanner,
		catalog:   catalog,
		store:     store,
		refresher: refreshRunner,
		kernel:    kern,
	}
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/symbolicate", s.handleSymbolicate).Methods(http.MethodPost)
	r.HandleFunc("/v1/symbols/lookup", s.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/v1/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/v1/scans", s.handleListScans).Methods(http.MethodGet)
	r.HandleFunc("/v1/catalog", s.handleCatalog).Methods(http.MethodGet)
	r.HandleFunc("/v1/refresh-cache", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/kernel/versions", s.handleKernelVersions).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// handleSymbolicate accepts either a JSON report or a raw textual crash log.
func (s *Server) handleSymbolicate(w http.ResponseWriter, r *http.Request) {
	var (
		report symbolicator.Report
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err = json.NewDecoder(r.Body).Decode(&report)
	} else {
		report, err = symbolicator.ParseCrashLog(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ann, err := s.sym.Symbolicate(r.Context(), report)
	if err != nil {
		if device.IsUnknownDevice(err) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		level.Error(s.logger).Log("msg", "symbolication failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ann)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address, err := parseAddress(q.Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	library := q.Get("library")
	deviceInput := q.Get("device")
	if library == "" || deviceInput == "" {
		writeError(w, http.StatusBadRequest, errors.New("library and device are required"))
		return
	}

	hit, err := s.sym.LookupSymbol(r.Context(), deviceInput, library, q.Get("os"), q.Get("arch"), address)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, hit)
	case device.IsUnknownDevice(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, symstore.ErrSymbolNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		level.Error(s.logger).Log("msg", "lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleScan forces a scan of one artifact. The request waits for the scan
// within its own context; a timeout leaves the scan running and reports the
// bookkeeping row as it stands.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	force := r.URL.Query().Get("force") == "true"

	artifact := s.artifactForKey(key)
	var err error
	if force {
		err = s.scanner.Rescan(r.Context(), artifact)
	} else {
		err = s.scanner.EnsureScanned(r.Context(), artifact)
	}

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, extractor.ErrExtractionTimeout):
		status = http.StatusAccepted
	case extractor.IsExtractionFailure(err):
		status = http.StatusUnprocessableEntity
	default:
		level.Error(s.logger).Log("msg", "scan failed", "artifact", key, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	scan, gerr := s.store.GetScan(r.Context(), key)
	if gerr != nil {
		writeError(w, http.StatusInternalServerError, gerr)
		return
	}
	resp := map[string]any{"scan": scan}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

// artifactForKey prefers the catalog's view of the artifact and falls back to
// parsing the key directly when the catalog has not seen it yet.
func (s *Server) artifactForKey(key string) firmware.Artifact {
	if snap := s.catalog.Snapshot(); snap != nil {
		for _, a := range snap.Artifacts {
			if a.Key == key {
				return a
			}
		}
	}
	return firmware.ParseArtifactKey(key)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.store.ListScans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	resp := map[string]any{"status": s.catalog.Status()}
	if snap != nil {
		resp["artifacts"] = snap.Artifacts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.refresher.RefreshAll(r.Context())
	if err != nil {
		level.Error(s.logger).Log("msg", "refresh failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleKernelVersions(w http.ResponseWriter, _ *http.Request) {
	versions := s.kernelVersions()
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"loaded":   len(versions),
	})
}

func (s *Server) kernelVersions() []string {
	if s.kernel == nil {
		return []string{}
	}
	return s.kernel.Versions()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                    "ok",
		"symbols_in_database":       stats.SymbolRanges,
		"kernel_signature_versions": len(s.kernelVersions()),
	})
}

func parseAddress(raw string) (uint64, error) {
	if raw == "" {
		return 0, errors.New("address is required")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return strconv.ParseUint(raw[2:], 16, 64)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
