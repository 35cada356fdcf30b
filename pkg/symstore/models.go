package symstore

import "time"

// Scan lifecycle. Transitions are monotonic: pending -> scanning ->
// completed | failed. A failed scan may be claimed again.
const (
	ScanStatusPending   = "pending"
	ScanStatusScanning  = "scanning"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
)

// ScannedArtifact is the bookkeeping row for one firmware archive.
type ScannedArtifact struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	ArtifactKey       string     `gorm:"uniqueIndex;not null" json:"artifact_key"`
	DeviceList        string     `json:"device_list"`
	OSVersion         string     `json:"os_version"`
	BuildID           string     `json:"build_id"`
	Status            string     `gorm:"index;not null;default:pending" json:"status"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	SymbolsExtracted  int        `json:"symbols_extracted"`
	SharedCachesFound int        `json:"shared_caches_found"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SymbolRange is one half-open address range [StartAddress, EndAddress)
// attributed to a symbol within a partition (library, device, os version,
// architecture). Ranges within a partition never overlap.
type SymbolRange struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	Library          string `gorm:"uniqueIndex:idx_partition_start,priority:1;not null" json:"library"`
	DeviceIdentifier string `gorm:"uniqueIndex:idx_partition_start,priority:2;not null" json:"device_identifier"`
	OSVersion        string `gorm:"uniqueIndex:idx_partition_start,priority:3;not null" json:"os_version"`
	Architecture     string `gorm:"uniqueIndex:idx_partition_start,priority:4" json:"architecture,omitempty"`
	Symbol           string `gorm:"not null" json:"symbol"`
	StartAddress     uint64 `gorm:"uniqueIndex:idx_partition_start,priority:5;not null" json:"start_address"`
	EndAddress       uint64 `gorm:"not null" json:"end_address"`
	OffsetBase       uint64 `json:"offset_base,omitempty"`
	ScanID           uint   `gorm:"index" json:"-"`
}

func (r SymbolRange) samePartition(o SymbolRange) bool {
	return r.Library == o.Library &&
		r.DeviceIdentifier == o.DeviceIdentifier &&
		r.OSVersion == o.OSVersion &&
		r.Architecture == o.Architecture
}

func (r SymbolRange) overlaps(o SymbolRange) bool {
	return r.StartAddress < o.EndAddress && o.StartAddress < r.EndAddress
}

// CacheEntry is a persisted lookup result, keyed by the canonical form of the
// request. Entries expire; InvalidateCache drops them all.
type CacheEntry struct {
	ID        uint      `gorm:"primaryKey"`
	CacheKey  string    `gorm:"uniqueIndex;not null"`
	Payload   []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index"`
}
