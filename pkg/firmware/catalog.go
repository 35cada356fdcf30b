// Package firmware maintains an in-memory catalog of the firmware archives
// available in object storage and matches them against crash-report device
// and OS information.
package firmware

import (
	"context"
	"flag"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
)

type Config struct {
	Prefix string `yaml:"prefix"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Prefix, "firmware.prefix", "", "Object key prefix under which firmware archives are stored.")
}

// Snapshot is an immutable view of the bucket contents at refresh time.
type Snapshot struct {
	Artifacts   []Artifact
	RefreshedAt time.Time

	byDevice map[string][]int
}

// CatalogStatus summarizes the current snapshot.
type CatalogStatus struct {
	Artifacts   int       `json:"artifacts"`
	NeedsReview int       `json:"needs_review"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Match pairs an artifact with the quality of the match. BestEffort is set
// when the artifact was selected on device identity alone because nothing in
// the catalog matched the requested OS version.
type Match struct {
	Artifact   Artifact `json:"artifact"`
	BestEffort bool     `json:"best_effort,omitempty"`
}

// Catalog lists firmware archives from a bucket and answers match queries
// against the most recent snapshot. Refresh swaps the snapshot atomically, so
// concurrent readers always see a complete listing.
type Catalog struct {
	bucket  objstore.Bucket
	prefix  string
	logger  log.Logger
	metrics *metrics

	snap atomic.Pointer[Snapshot]
}

func NewCatalog(logger log.Logger, cfg Config, bucket objstore.Bucket, reg prometheus.Registerer) *Catalog {
	return &Catalog{
		bucket:  bucket,
		prefix:  cfg.Prefix,
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// Refresh relists the bucket and swaps in a fresh snapshot. The previous
// snapshot stays valid for readers that already hold it.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	var artifacts []Artifact
	err := c.bucket.Iter(ctx, c.prefix, func(name string) error {
		if !hasArchiveSuffix(name) {
			return nil
		}
		a := ParseArtifactKey(name)
		if attrs, err := c.bucket.Attributes(ctx, name); err == nil {
			a.SizeBytes = attrs.Size
			a.LastModified = attrs.LastModified
		} else {
			level.Warn(c.logger).Log("msg", "failed to read object attributes", "key", name, "err", err)
		}
		if a.NeedsReview {
			level.Warn(c.logger).Log("msg", "unparseable firmware archive name, flagged for review", "key", name)
		}
		artifacts = append(artifacts, a)
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		c.metrics.refreshDuration.WithLabelValues(statusError).Observe(time.Since(start).Seconds())
		return nil, errors.Wrap(err, "list firmware bucket")
	}

	snap := newSnapshot(artifacts)
	c.snap.Store(snap)

	c.metrics.refreshDuration.WithLabelValues(statusSuccess).Observe(time.Since(start).Seconds())
	c.metrics.artifacts.Set(float64(len(snap.Artifacts)))
	level.Info(c.logger).Log("msg", "firmware catalog refreshed", "artifacts", len(snap.Artifacts))
	return snap, nil
}

func newSnapshot(artifacts []Artifact) *Snapshot {
	// Deterministic order regardless of listing order.
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Key < artifacts[j].Key })
	snap := &Snapshot{
		Artifacts:   artifacts,
		RefreshedAt: time.Now(),
		byDevice:    make(map[string][]int),
	}
	for i, a := range artifacts {
		for _, id := range a.DeviceIdentifiers {
			snap.byDevice[id] = append(snap.byDevice[id], i)
		}
	}
	return snap
}

// Snapshot returns the current snapshot, or nil before the first refresh.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Status summarizes the current snapshot.
func (c *Catalog) Status() CatalogStatus {
	snap := c.snap.Load()
	if snap == nil {
		return CatalogStatus{}
	}
	st := CatalogStatus{Artifacts: len(snap.Artifacts), RefreshedAt: snap.RefreshedAt}
	for _, a := range snap.Artifacts {
		if a.NeedsReview {
			st.NeedsReview++
		}
	}
	return st
}

// Match returns the artifacts covering the given hardware identifier, best
// first. An exact OS version and build match ranks above a version-only
// match; when neither exists, identifier-only candidates are returned tagged
// BestEffort. Multi-device archives match for every identifier they list.
func (c *Catalog) Match(identifier, osVersion, buildID string) ([]Match, error) {
	snap := c.snap.Load()
	if snap == nil {
		return nil, errors.New("firmware catalog not refreshed yet")
	}

	const (
		scoreExact          = 0
		scoreVersionOnly    = 1
		scoreIdentifierOnly = 2
	)
	type candidate struct {
		artifact Artifact
		score    int
	}
	var cands []candidate
	for _, i := range snap.byDevice[identifier] {
		a := snap.Artifacts[i]
		score := scoreIdentifierOnly
		if osVersion != "" && a.OSVersion == osVersion {
			score = scoreVersionOnly
			if buildID != "" && a.BuildID == buildID {
				score = scoreExact
			}
		}
		cands = append(cands, candidate{artifact: a, score: score})
	}
	if len(cands) == 0 {
		c.metrics.matches.WithLabelValues("miss").Inc()
		return nil, NoMatchingArtifactError{Identifier: identifier, OSVersion: osVersion, BuildID: buildID}
	}

	best := scoreIdentifierOnly
	for _, cand := range cands {
		if cand.score < best {
			best = cand.score
		}
	}
	bestEffort := best == scoreIdentifierOnly
	if !bestEffort {
		filtered := cands[:0]
		for _, cand := range cands {
			if cand.score < scoreIdentifierOnly {
				filtered = append(filtered, cand)
			}
		}
		cands = filtered
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		if li, lj := len(cands[i].artifact.DeviceIdentifiers), len(cands[j].artifact.DeviceIdentifiers); li != lj {
			return li < lj
		}
		return cands[i].artifact.Key < cands[j].artifact.Key
	})

	matches := make([]Match, 0, len(cands))
	for _, cand := range cands {
		matches = append(matches, Match{Artifact: cand.artifact, BestEffort: bestEffort})
	}
	if bestEffort {
		c.metrics.matches.WithLabelValues("best_effort").Inc()
	} else {
		c.metrics.matches.WithLabelValues("hit").Inc()
	}
	return matches, nil
}

func hasArchiveSuffix(name string) bool {
	return len(name) > len(ArchiveSuffix) && strings.HasSuffix(name, ArchiveSuffix)
}
