// Package extractor downloads firmware archives from object storage on
// demand, extracts symbol tables from the shared-library caches inside them
// and loads the result into the symbol store.
package extractor

import (
	"archive/zip"
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/singleflight"

	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/symstore"
)

type Config struct {
	MaxConcurrentScans int    `yaml:"max_concurrent_scans"`
	TempDir            string `yaml:"temp_dir"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrentScans, "extractor.max-concurrent-scans", 2, "Maximum number of firmware scans running at once.")
	f.StringVar(&cfg.TempDir, "extractor.temp-dir", os.TempDir(), "Directory for temporary archive downloads.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrentScans <= 0 {
		return errors.New("max concurrent scans must be positive")
	}
	return nil
}

// Extractor runs firmware scans. Concurrent requests for the same artifact
// are collapsed onto a single scan; distinct artifacts run concurrently up to
// the configured limit. Scans are detached from the requesting context: a
// caller that stops waiting does not abort the work.
type Extractor struct {
	services.Service

	logger  log.Logger
	bucket  objstore.Bucket
	store   *symstore.Store
	parser  SharedCacheParser
	cfg     Config
	metrics *metrics

	sf  singleflight.Group
	sem chan struct{}
	wg  sync.WaitGroup

	scanCtx context.Context
	cancel  context.CancelFunc
}

func New(logger log.Logger, cfg Config, bucket objstore.Bucket, store *symstore.Store, parser SharedCacheParser, reg prometheus.Registerer) *Extractor {
	if parser == nil {
		parser = NewMachoParser()
	}
	e := &Extractor{
		logger:  logger,
		bucket:  bucket,
		store:   store,
		parser:  parser,
		cfg:     cfg,
		metrics: newMetrics(reg),
		sem:     make(chan struct{}, cfg.MaxConcurrentScans),
	}
	// Scans run detached from caller contexts; the scan context lives from
	// construction so EnsureScanned works on an extractor that was never
	// started as a service.
	e.scanCtx, e.cancel = context.WithCancel(context.Background())
	e.Service = services.NewBasicService(nil, e.running, e.stopping)
	return e
}

func (e *Extractor) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *Extractor) stopping(error) error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// EnsureScanned makes sure the artifact's symbols are in the store. It
// returns nil right away for a completed scan, ExtractionFailure for a scan
// that already failed, and otherwise waits for the (possibly shared) scan up
// to the caller's deadline. When the deadline elapses first the scan keeps
// running and ErrExtractionTimeout is returned.
func (e *Extractor) EnsureScanned(ctx context.Context, artifact firmware.Artifact) error {
	return e.ensureScanned(ctx, artifact, false)
}

// Rescan forces a new scan even for artifacts already scanned.
func (e *Extractor) Rescan(ctx context.Context, artifact firmware.Artifact) error {
	return e.ensureScanned(ctx, artifact, true)
}

func (e *Extractor) ensureScanned(ctx context.Context, artifact firmware.Artifact, force bool) error {
	if !force {
		scan, err := e.store.GetScan(ctx, artifact.Key)
		if err != nil {
			return err
		}
		if scan != nil {
			switch scan.Status {
			case symstore.ScanStatusCompleted:
				return nil
			case symstore.ScanStatusFailed:
				return ExtractionFailure{ArtifactKey: artifact.Key, Reason: scan.ErrorMessage}
			}
		}
	}

	ch := e.sf.DoChan(artifact.Key, func() (any, error) {
		return nil, e.scan(artifact, force)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		level.Warn(e.logger).Log("msg", "gave up waiting for scan, continuing in background", "artifact", artifact.Key)
		return ErrExtractionTimeout
	}
}

// scan claims the artifact in the store, runs the extraction pipeline and
// records the outcome. It runs under the extractor's own context.
func (e *Extractor) scan(artifact firmware.Artifact, force bool) error {
	e.wg.Add(1)
	defer e.wg.Done()
	ctx := e.scanCtx

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	scan, claimed, err := e.store.ClaimScan(ctx, artifact.Key,
		strings.Join(artifact.DeviceIdentifiers, ","), artifact.OSVersion, artifact.BuildID, force)
	if err != nil {
		return errors.Wrap(err, "claim scan")
	}
	if !claimed {
		if scan.Status == symstore.ScanStatusCompleted {
			return nil
		}
		return ExtractionFailure{ArtifactKey: artifact.Key, Reason: "scan already in progress"}
	}

	start := time.Now()
	level.Info(e.logger).Log("msg", "scanning firmware archive",
		"artifact", artifact.Key, "size", humanize.Bytes(uint64(artifact.SizeBytes)))

	result, err := e.extract(ctx, artifact)
	if err == nil {
		err = e.store.BulkInsert(ctx, scan.ID, result.ranges)
	}
	if err != nil {
		e.metrics.scans.WithLabelValues("failed").Inc()
		e.metrics.scanDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		if ferr := e.store.FailScan(ctx, scan.ID, err.Error()); ferr != nil {
			level.Error(e.logger).Log("msg", "failed to record scan failure", "artifact", artifact.Key, "err", ferr)
		}
		level.Error(e.logger).Log("msg", "firmware scan failed", "artifact", artifact.Key, "err", err)
		return ExtractionFailure{ArtifactKey: artifact.Key, Reason: err.Error()}
	}

	if err := e.store.CompleteScan(ctx, scan.ID, len(result.ranges), result.cachesFound, result.warnings); err != nil {
		return errors.Wrap(err, "record scan completion")
	}
	e.metrics.scans.WithLabelValues("completed").Inc()
	e.metrics.scanDuration.WithLabelValues("completed").Observe(time.Since(start).Seconds())
	e.metrics.symbolsExtracted.Add(float64(len(result.ranges)))
	e.metrics.cachesFound.Add(float64(result.cachesFound))
	level.Info(e.logger).Log("msg", "firmware scan completed", "artifact", artifact.Key,
		"symbols", len(result.ranges), "shared_caches", result.cachesFound,
		"duration", time.Since(start))
	return nil
}

type extractResult struct {
	ranges      []symstore.SymbolRange
	cachesFound int
	warnings    string
}

// extract downloads the archive, locates the shared-library caches inside it
// and derives symbol ranges. Caches that fail to parse are recorded as
// warnings; the extraction fails only when no cache yields symbols.
func (e *Extractor) extract(ctx context.Context, artifact firmware.Artifact) (extractResult, error) {
	var result extractResult

	archivePath, cleanup, err := e.download(ctx, artifact.Key)
	if err != nil {
		return result, err
	}
	defer cleanup()

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return result, errors.Wrap(err, "open archive")
	}
	defer zr.Close()

	var parseErrs *multierror.Error
	for _, f := range zr.File {
		arch, ok := sharedCacheArch(f.Name)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.cachesFound++

		tables, err := e.parseCacheEntry(f, arch)
		if err != nil {
			parseErrs = multierror.Append(parseErrs, errors.Wrap(err, f.Name))
			level.Warn(e.logger).Log("msg", "shared cache failed to parse", "artifact", artifact.Key, "entry", f.Name, "err", err)
			continue
		}
		for _, table := range tables {
			result.ranges = append(result.ranges, tableRanges(table, artifact)...)
		}
	}

	if result.cachesFound == 0 {
		return result, errors.New("no shared-library caches in archive")
	}
	if len(result.ranges) == 0 {
		if parseErrs != nil {
			return result, parseErrs.ErrorOrNil()
		}
		return result, errors.New("shared-library caches yielded no symbols")
	}
	if parseErrs != nil {
		result.warnings = parseErrs.Error()
	}
	return result, nil
}

func (e *Extractor) download(ctx context.Context, key string) (string, func(), error) {
	rc, err := e.bucket.Get(ctx, key)
	if err != nil {
		return "", nil, errors.Wrap(err, "fetch archive")
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(e.cfg.TempDir, "symsrv-archive-*.ipsw")
	if err != nil {
		return "", nil, errors.Wrap(err, "create temp archive")
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "download archive")
	}
	return tmp.Name(), cleanup, nil
}

// parseCacheEntry copies one cache entry out of the archive and hands it to
// the parser.
func (e *Extractor) parseCacheEntry(f *zip.File, arch string) ([]LibraryTable, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open cache entry")
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(e.cfg.TempDir, "symsrv-cache-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp cache file")
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "extract cache entry")
	}

	name := f.Name[strings.LastIndex(f.Name, "/")+1:]
	return e.parser.Parse(tmp.Name(), name, arch)
}

// tableRanges expands one library table into store rows: a row per derived
// range per device identifier the artifact covers.
func tableRanges(table LibraryTable, artifact firmware.Artifact) []symstore.SymbolRange {
	derived := deriveRanges(table.Symbols)
	rows := make([]symstore.SymbolRange, 0, len(derived)*len(artifact.DeviceIdentifiers))
	for _, device := range artifact.DeviceIdentifiers {
		for _, r := range derived {
			rows = append(rows, symstore.SymbolRange{
				Library:          table.Library,
				DeviceIdentifier: device,
				OSVersion:        artifact.OSVersion,
				Architecture:     table.Architecture,
				Symbol:           r.Name,
				StartAddress:     r.Start,
				EndAddress:       r.End,
			})
		}
	}
	return rows
}
