// Package symstore persists extracted symbol ranges in a relational database
// and answers point-address lookups through a layered cache.
package symstore

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	DSN       string        `yaml:"dsn"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.DSN, "store.dsn", "symsrv.db", "SQLite DSN for the symbol store.")
	f.IntVar(&cfg.CacheSize, "store.cache-size", 4096, "Maximum entries in the in-memory lookup cache.")
	f.DurationVar(&cfg.CacheTTL, "store.cache-ttl", 30*time.Minute, "TTL for cached lookups, in memory and persisted.")
}

func (cfg *Config) Validate() error {
	if cfg.DSN == "" {
		return errors.New("store DSN is required")
	}
	if cfg.CacheSize <= 0 {
		return errors.New("store cache size must be positive")
	}
	return nil
}

// LookupRequest identifies a single address within a symbol partition. An
// empty Architecture matches ranges of any architecture.
type LookupRequest struct {
	Library          string
	DeviceIdentifier string
	OSVersion        string
	Architecture     string
	Address          uint64
}

func (r LookupRequest) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%#x",
		r.Library, r.DeviceIdentifier, r.OSVersion, r.Architecture, r.Address)
}

// SymbolHit is a resolved lookup.
type SymbolHit struct {
	Library      string `json:"library"`
	Symbol       string `json:"symbol"`
	Offset       uint64 `json:"offset"`
	StartAddress uint64 `json:"start_address"`
	EndAddress   uint64 `json:"end_address"`
}

// Stats summarizes store contents.
type Stats struct {
	SymbolRanges int64            `json:"symbol_ranges"`
	CacheEntries int64            `json:"cache_entries"`
	Scans        map[string]int64 `json:"scans"`
}

// Store wraps the database with scan bookkeeping, overlap-checked bulk
// inserts and a two-level lookup cache (in-memory LRU in front of a persisted
// cache table).
type Store struct {
	db      *gorm.DB
	logger  log.Logger
	metrics *metrics

	cache    *expirable.LRU[string, SymbolHit]
	cacheTTL time.Duration
}

// Open opens (or creates) the database and migrates the schema.
func Open(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open symbol store")
	}
	if strings.Contains(cfg.DSN, ":memory:") {
		// Every pooled connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&ScannedArtifact{}, &SymbolRange{}, &CacheEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrate symbol store")
	}
	return &Store{
		db:       db,
		logger:   logger,
		metrics:  newMetrics(reg),
		cache:    expirable.NewLRU[string, SymbolHit](cfg.CacheSize, nil, cfg.CacheTTL),
		cacheTTL: cfg.CacheTTL,
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Lookup resolves a single address. Misses are ErrSymbolNotFound; anything
// else is an infrastructure failure.
func (s *Store) Lookup(ctx context.Context, req LookupRequest) (SymbolHit, error) {
	start := time.Now()
	hit, source, err := s.lookup(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrSymbolNotFound) {
			status = "miss"
		}
	}
	s.metrics.lookupDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err == nil || errors.Is(err, ErrSymbolNotFound) {
		s.metrics.lookups.WithLabelValues(source).Inc()
	}
	return hit, err
}

func (s *Store) lookup(ctx context.Context, req LookupRequest) (SymbolHit, string, error) {
	key := req.cacheKey()
	if hit, ok := s.cache.Get(key); ok {
		return hit, lookupSourceMemory, nil
	}

	var entry CacheEntry
	err := s.db.WithContext(ctx).
		Where("cache_key = ? AND expires_at > ?", key, time.Now()).
		Take(&entry).Error
	switch {
	case err == nil:
		var hit SymbolHit
		if jsonErr := json.Unmarshal(entry.Payload, &hit); jsonErr == nil {
			s.cache.Add(key, hit)
			return hit, lookupSourcePersistent, nil
		}
		// Unreadable payload, fall through to the range query.
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return SymbolHit{}, "", errors.Wrap(err, "query lookup cache")
	}

	row, err := s.queryRange(ctx, req)
	if err != nil {
		return SymbolHit{}, lookupSourceMiss, err
	}

	hit := SymbolHit{
		Library:      row.Library,
		Symbol:       row.Symbol,
		Offset:       req.Address - row.StartAddress + row.OffsetBase,
		StartAddress: row.StartAddress,
		EndAddress:   row.EndAddress,
	}
	s.cache.Add(key, hit)
	if err := s.persistCacheEntry(ctx, key, hit); err != nil {
		level.Warn(s.logger).Log("msg", "failed to persist lookup cache entry", "err", err)
	}
	return hit, lookupSourceDatabase, nil
}

// queryRange finds a range covering the address. Both bounds go into the
// query: ranges only never overlap within one (library, device, os, arch)
// partition, so with no architecture requested the nearest start may belong
// to a range from another architecture that ends before the address, while a
// covering range from a third one still exists.
func (s *Store) queryRange(ctx context.Context, req LookupRequest) (SymbolRange, error) {
	q := s.db.WithContext(ctx).
		Where("library = ? AND device_identifier = ? AND os_version = ?",
			req.Library, req.DeviceIdentifier, req.OSVersion)
	if req.Architecture != "" {
		q = q.Where("architecture IN (?, '')", req.Architecture)
	}

	var row SymbolRange
	err := q.Where("start_address <= ? AND end_address > ?", req.Address, req.Address).
		Order("start_address DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SymbolRange{}, ErrSymbolNotFound
	}
	if err != nil {
		return SymbolRange{}, errors.Wrap(err, "query symbol range")
	}
	return row, nil
}

func (s *Store) persistCacheEntry(ctx context.Context, key string, hit SymbolHit) error {
	payload, err := json.Marshal(hit)
	if err != nil {
		return err
	}
	entry := CacheEntry{
		CacheKey:  key,
		Payload:   payload,
		ExpiresAt: time.Now().Add(s.cacheTTL),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at"}),
	}).Create(&entry).Error
}

// BulkInsert writes all ranges of one scan in a single transaction. The batch
// is rejected as a whole with OverlappingRangeError if any range overlaps an
// existing row or another range of the batch within the same partition.
func (s *Store) BulkInsert(ctx context.Context, scanID uint, ranges []SymbolRange) error {
	if len(ranges) == 0 {
		return nil
	}
	for i := range ranges {
		ranges[i].ScanID = scanID
		if ranges[i].StartAddress >= ranges[i].EndAddress {
			return errors.Errorf("invalid symbol range [%#x, %#x) for %q",
				ranges[i].StartAddress, ranges[i].EndAddress, ranges[i].Symbol)
		}
	}

	sorted := make([]SymbolRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].samePartition(sorted[j]) {
			return partitionKey(sorted[i]) < partitionKey(sorted[j])
		}
		return sorted[i].StartAddress < sorted[j].StartAddress
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].samePartition(sorted[i-1]) && sorted[i].overlaps(sorted[i-1]) {
			return overlapError(sorted[i])
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, group := range groupByPartition(sorted) {
			if err := checkExistingOverlap(tx, group); err != nil {
				return err
			}
		}
		return tx.CreateInBatches(ranges, 500).Error
	})
	if err != nil {
		return err
	}
	s.metrics.insertedRanges.Add(float64(len(ranges)))
	return nil
}

func groupByPartition(sorted []SymbolRange) [][]SymbolRange {
	var groups [][]SymbolRange
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || !sorted[i].samePartition(sorted[start]) {
			groups = append(groups, sorted[start:i])
			start = i
		}
	}
	return groups
}

// checkExistingOverlap compares one sorted partition group against the
// existing rows intersecting its envelope.
func checkExistingOverlap(tx *gorm.DB, group []SymbolRange) error {
	minStart := group[0].StartAddress
	maxEnd := group[0].EndAddress
	for _, r := range group {
		if r.EndAddress > maxEnd {
			maxEnd = r.EndAddress
		}
	}

	var existing []SymbolRange
	err := tx.Where("library = ? AND device_identifier = ? AND os_version = ? AND architecture = ?",
		group[0].Library, group[0].DeviceIdentifier, group[0].OSVersion, group[0].Architecture).
		Where("start_address < ? AND end_address > ?", maxEnd, minStart).
		Order("start_address").
		Find(&existing).Error
	if err != nil {
		return errors.Wrap(err, "query existing symbol ranges")
	}

	i, j := 0, 0
	for i < len(group) && j < len(existing) {
		if group[i].overlaps(existing[j]) {
			return overlapError(group[i])
		}
		if group[i].EndAddress <= existing[j].EndAddress {
			i++
		} else {
			j++
		}
	}
	return nil
}

func overlapError(r SymbolRange) OverlappingRangeError {
	return OverlappingRangeError{
		Library:          r.Library,
		DeviceIdentifier: r.DeviceIdentifier,
		OSVersion:        r.OSVersion,
		Architecture:     r.Architecture,
		StartAddress:     r.StartAddress,
		EndAddress:       r.EndAddress,
	}
}

func partitionKey(r SymbolRange) string {
	return r.Library + "\x00" + r.DeviceIdentifier + "\x00" + r.OSVersion + "\x00" + r.Architecture
}

// ClaimScan transitions the scan row for an artifact to scanning and reports
// whether the caller won the claim. Completed scans are not re-claimed unless
// force is set; a scan already in progress is never re-claimed.
func (s *Store) ClaimScan(ctx context.Context, artifactKey, deviceList, osVersion, buildID string, force bool) (ScannedArtifact, bool, error) {
	var scan ScannedArtifact
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("artifact_key = ?", artifactKey).Take(&scan).Error
		now := time.Now()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			scan = ScannedArtifact{
				ArtifactKey: artifactKey,
				DeviceList:  deviceList,
				OSVersion:   osVersion,
				BuildID:     buildID,
				Status:      ScanStatusScanning,
				StartedAt:   &now,
			}
			claimed = true
			return tx.Create(&scan).Error
		}
		if err != nil {
			return errors.Wrap(err, "query scan")
		}
		switch scan.Status {
		case ScanStatusScanning:
			return nil
		case ScanStatusCompleted:
			if !force {
				return nil
			}
		}
		// Re-claiming replaces the previous scan's rows.
		if err := tx.Where("scan_id = ?", scan.ID).Delete(&SymbolRange{}).Error; err != nil {
			return errors.Wrap(err, "clear previous scan ranges")
		}
		scan.Status = ScanStatusScanning
		scan.StartedAt = &now
		scan.CompletedAt = nil
		scan.ErrorMessage = ""
		claimed = true
		return tx.Save(&scan).Error
	})
	return scan, claimed, err
}

// CompleteScan marks a scan completed. A non-empty message records partial
// per-cache failures without failing the scan.
func (s *Store) CompleteScan(ctx context.Context, scanID uint, symbols, sharedCaches int, message string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ScannedArtifact{}).Where("id = ?", scanID).Updates(map[string]any{
		"status":              ScanStatusCompleted,
		"completed_at":        &now,
		"symbols_extracted":   symbols,
		"shared_caches_found": sharedCaches,
		"error_message":       message,
	}).Error
}

func (s *Store) FailScan(ctx context.Context, scanID uint, message string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ScannedArtifact{}).Where("id = ?", scanID).Updates(map[string]any{
		"status":        ScanStatusFailed,
		"completed_at":  &now,
		"error_message": message,
	}).Error
}

// GetScan returns the scan row for an artifact, or nil when none exists.
func (s *Store) GetScan(ctx context.Context, artifactKey string) (*ScannedArtifact, error) {
	var scan ScannedArtifact
	err := s.db.WithContext(ctx).Where("artifact_key = ?", artifactKey).Take(&scan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query scan")
	}
	return &scan, nil
}

func (s *Store) ListScans(ctx context.Context) ([]ScannedArtifact, error) {
	var scans []ScannedArtifact
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(200).Find(&scans).Error
	return scans, errors.Wrap(err, "list scans")
}

// InvalidateCache drops both cache levels. Symbol ranges and scan bookkeeping
// are untouched.
func (s *Store) InvalidateCache(ctx context.Context) error {
	s.cache.Purge()
	return errors.Wrap(
		s.db.WithContext(ctx).Where("1 = 1").Delete(&CacheEntry{}).Error,
		"purge persistent lookup cache")
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Scans: make(map[string]int64)}
	if err := s.db.WithContext(ctx).Model(&SymbolRange{}).Count(&st.SymbolRanges).Error; err != nil {
		return st, errors.Wrap(err, "count symbol ranges")
	}
	if err := s.db.WithContext(ctx).Model(&CacheEntry{}).Count(&st.CacheEntries).Error; err != nil {
		return st, errors.Wrap(err, "count cache entries")
	}
	rows := []struct {
		Status string
		N      int64
	}{}
	if err := s.db.WithContext(ctx).Model(&ScannedArtifact{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return st, errors.Wrap(err, "count scans")
	}
	for _, r := range rows {
		st.Scans[r.Status] = r.N
	}
	return st, nil
}
