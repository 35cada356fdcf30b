// Package symbolicator orchestrates crash-report symbolication: device
// identity resolution, database-first symbol lookups and on-demand firmware
// extraction when the store has gaps.
package symbolicator

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/device"
	"github.com/symsrv/symsrv/pkg/extractor"
	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/kernel"
	"github.com/symsrv/symsrv/pkg/symstore"
)

type Config struct {
	ExtractionWait time.Duration `yaml:"extraction_wait"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.ExtractionWait, "symbolicator.extraction-wait", 2*time.Minute, "How long a symbolication request waits for an on-demand firmware scan before answering with unresolved frames.")
}

func (cfg *Config) Validate() error {
	if cfg.ExtractionWait <= 0 {
		return errors.New("extraction wait must be positive")
	}
	return nil
}

// ArtifactMatcher finds firmware archives for a device.
type ArtifactMatcher interface {
	Match(identifier, osVersion, buildID string) ([]firmware.Match, error)
}

// ScanRunner makes sure an artifact's symbols are in the store.
type ScanRunner interface {
	EnsureScanned(ctx context.Context, artifact firmware.Artifact) error
}

// KernelResolver resolves kernel-space addresses against signature data.
type KernelResolver interface {
	Resolve(osVersion string, address uint64) (kernel.Hit, bool)
}

// Symbolicator resolves crash reports against the symbol store.
type Symbolicator struct {
	logger   log.Logger
	cfg      Config
	resolver *device.Resolver
	store    *symstore.Store
	matcher  ArtifactMatcher
	scanner  ScanRunner
	kernel   KernelResolver
	metrics  *metrics
}

// New builds a symbolicator. kern may be nil, in which case kernel frames
// stay unresolved.
func New(logger log.Logger, cfg Config, resolver *device.Resolver, store *symstore.Store, matcher ArtifactMatcher, scanner ScanRunner, kern KernelResolver, reg prometheus.Registerer) *Symbolicator {
	return &Symbolicator{
		logger:   logger,
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		matcher:  matcher,
		scanner:  scanner,
		kernel:   kern,
		metrics:  newMetrics(reg),
	}
}

// Symbolicate annotates every frame of the report. Frames that cannot be
// resolved are marked unresolved and never abort the report; only unknown
// devices and infrastructure failures surface as errors.
func (s *Symbolicator) Symbolicate(ctx context.Context, report Report) (*AnnotatedReport, error) {
	start := time.Now()
	ann, err := s.symbolicate(ctx, report)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if ann != nil {
		s.metrics.frames.WithLabelValues("resolved").Add(float64(ann.FramesResolved))
		s.metrics.frames.WithLabelValues("unresolved").Add(float64(ann.FramesTotal - ann.FramesResolved))
	}
	return ann, err
}

func (s *Symbolicator) symbolicate(ctx context.Context, report Report) (*AnnotatedReport, error) {
	// Kernel panics may omit the hardware model; their frames resolve
	// against signatures, not the store, so no identifier is needed.
	var identifier string
	if report.Device != "" || !report.KernelPanic {
		var err error
		identifier, err = s.resolver.Resolve(report.Device)
		if err != nil {
			return nil, err
		}
	}

	ann := &AnnotatedReport{
		ReportID:         uuid.NewString(),
		Process:          report.Process,
		Device:           report.Device,
		DeviceIdentifier: identifier,
		OSVersion:        report.OSVersion,
		BuildID:          report.BuildID,
		Architecture:     report.Architecture,
		KernelPanic:      report.KernelPanic,
		Method:           MethodDatabaseSymbols,
	}

	missed, err := s.annotate(ctx, report, ann)
	if err != nil {
		return nil, err
	}
	if missed == 0 || identifier == "" {
		return ann, nil
	}

	extracted, note := s.extractForReport(ctx, ann, identifier, report)
	if note != "" {
		ann.Notes = append(ann.Notes, note)
	}
	if extracted {
		ann.Method = MethodExtractedOnDemand
		if _, err := s.annotate(ctx, report, ann); err != nil {
			return nil, err
		}
	}
	return ann, nil
}

// annotate runs one lookup pass over all frames and returns how many stayed
// unresolved in the store. Already-resolved frames are kept. Kernel frames go
// to the signature resolver and never count as store misses: no firmware
// extraction can serve them.
func (s *Symbolicator) annotate(ctx context.Context, report Report, ann *AnnotatedReport) (int, error) {
	if ann.Threads == nil {
		ann.Threads = make([]AnnotatedThread, len(report.Threads))
		for i, t := range report.Threads {
			ann.Threads[i] = AnnotatedThread{ID: t.ID, Crashed: t.Crashed, Frames: make([]AnnotatedFrame, len(t.Frames))}
			for j, f := range t.Frames {
				ann.Threads[i].Frames[j] = AnnotatedFrame{Library: f.Library, Address: f.Address}
				ann.FramesTotal++
			}
		}
	}

	missed := 0
	resolved := 0
	for i := range ann.Threads {
		for j := range ann.Threads[i].Frames {
			frame := &ann.Threads[i].Frames[j]
			if frame.Resolved {
				resolved++
				continue
			}
			if frame.Library == KernelLibrary {
				if s.annotateKernelFrame(frame, report.OSVersion) {
					resolved++
				}
				continue
			}
			hit, err := s.store.Lookup(ctx, symstore.LookupRequest{
				Library:          frame.Library,
				DeviceIdentifier: ann.DeviceIdentifier,
				OSVersion:        report.OSVersion,
				Architecture:     report.Architecture,
				Address:          frame.Address,
			})
			if errors.Is(err, symstore.ErrSymbolNotFound) {
				missed++
				continue
			}
			if err != nil {
				return 0, errors.Wrap(err, "lookup frame")
			}
			frame.Symbol = hit.Symbol
			frame.Offset = hit.Offset
			frame.Resolved = true
			resolved++
		}
	}
	ann.FramesResolved = resolved
	return missed, nil
}

func (s *Symbolicator) annotateKernelFrame(frame *AnnotatedFrame, osVersion string) bool {
	if s.kernel == nil {
		return false
	}
	hit, ok := s.kernel.Resolve(osVersion, frame.Address)
	if !ok {
		return false
	}
	frame.Symbol = hit.Symbol
	if hit.Offset > 0 {
		frame.Offset = uint64(hit.Offset)
	}
	frame.SymbolType = hit.Type
	frame.Resolved = true
	return true
}

// extractForReport finds the best firmware candidate and waits for its scan
// within the configured bound. It reports whether a scan actually ran (as
// opposed to the artifact already being in the store) and a note for the
// report when the outcome is degraded.
func (s *Symbolicator) extractForReport(ctx context.Context, ann *AnnotatedReport, identifier string, report Report) (bool, string) {
	matches, err := s.matcher.Match(identifier, report.OSVersion, report.BuildID)
	if err != nil {
		if firmware.IsNoMatchingArtifact(err) {
			return false, err.Error()
		}
		level.Warn(s.logger).Log("msg", "firmware match failed", "device", identifier, "err", err)
		return false, "firmware catalog unavailable"
	}

	best := matches[0]
	note := ""
	if best.BestEffort {
		note = fmt.Sprintf("best-effort firmware match %s", best.Artifact.Key)
	}

	scan, err := s.store.GetScan(ctx, best.Artifact.Key)
	if err != nil {
		level.Warn(s.logger).Log("msg", "scan status check failed", "artifact", best.Artifact.Key, "err", err)
		return false, note
	}
	alreadyScanned := scan != nil && scan.Status == symstore.ScanStatusCompleted

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractionWait)
	defer cancel()
	err = s.scanner.EnsureScanned(waitCtx, best.Artifact)
	switch {
	case err == nil:
		return !alreadyScanned, note
	case errors.Is(err, extractor.ErrExtractionTimeout):
		return false, fmt.Sprintf("extraction of %s still running, retry later", best.Artifact.Key)
	case extractor.IsExtractionFailure(err):
		return false, err.Error()
	default:
		level.Warn(s.logger).Log("msg", "extraction failed", "artifact", best.Artifact.Key, "err", err)
		return false, note
	}
}

// LookupSymbol answers a single-address query after resolving the device
// input, without triggering extraction.
func (s *Symbolicator) LookupSymbol(ctx context.Context, deviceInput, library, osVersion, arch string, address uint64) (symstore.SymbolHit, error) {
	identifier, err := s.resolver.Resolve(deviceInput)
	if err != nil {
		return symstore.SymbolHit{}, err
	}
	return s.store.Lookup(ctx, symstore.LookupRequest{
		Library:          library,
		DeviceIdentifier: identifier,
		OSVersion:        osVersion,
		Architecture:     arch,
		Address:          address,
	})
}
