package firmware

import (
	"path"
	"regexp"
	"strings"
	"time"
)

// Firmware archives follow the naming convention
//
//	<device-list>_<os-version>_<build-id>_<suffix>.ipsw
//
// where device-list is a single hardware identifier or several identifiers
// joined by commas ("iPhone12,3,iPhone12,5"). Identifiers themselves contain
// a comma, so the device list is re-assembled from the split tokens rather
// than split naively.
var (
	identifierListRe = regexp.MustCompile(`^(?:[A-Za-z]+\d+,\d+)(?:,[A-Za-z]+\d+,\d+)*$`)
	identifierRe     = regexp.MustCompile(`[A-Za-z]+\d+,\d+`)
	osVersionRe      = regexp.MustCompile(`^\d+\.\d+(?:\.\d+)?$`)
	buildIDRe        = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// ArchiveSuffix is the extension the catalog recognizes as a firmware archive.
const ArchiveSuffix = ".ipsw"

var knownArchitectures = map[string]struct{}{
	"arm64":  {},
	"arm64e": {},
	"x86_64": {},
}

// Artifact describes one firmware archive in the bucket. An artifact whose
// key could not be parsed keeps its key and size but has no device
// identifiers and is flagged for review.
type Artifact struct {
	Key               string    `json:"key"`
	DeviceIdentifiers []string  `json:"device_identifiers"`
	OSVersion         string    `json:"os_version,omitempty"`
	BuildID           string    `json:"build_id,omitempty"`
	Architecture      string    `json:"architecture,omitempty"`
	SizeBytes         int64     `json:"size_bytes"`
	LastModified      time.Time `json:"last_modified,omitempty"`
	NeedsReview       bool      `json:"needs_review,omitempty"`
}

// Lists reports whether the artifact covers the given hardware identifier.
func (a Artifact) Lists(identifier string) bool {
	for _, id := range a.DeviceIdentifiers {
		if id == identifier {
			return true
		}
	}
	return false
}

// ParseArtifactKey parses an object key into an Artifact. Keys that do not
// follow the naming convention are never dropped and never guessed at: they
// come back with empty device identifiers and NeedsReview set, so an operator
// can rename the object.
func ParseArtifactKey(key string) Artifact {
	a := Artifact{Key: key}

	base := path.Base(key)
	base = strings.TrimSuffix(base, ArchiveSuffix)
	fields := strings.Split(base, "_")
	if len(fields) < 3 {
		a.NeedsReview = true
		return a
	}

	deviceList, osVersion, buildID := fields[0], fields[1], fields[2]
	if !identifierListRe.MatchString(deviceList) ||
		!osVersionRe.MatchString(osVersion) ||
		!buildIDRe.MatchString(buildID) {
		a.NeedsReview = true
		return a
	}

	a.DeviceIdentifiers = dedupe(identifierRe.FindAllString(deviceList, -1))
	a.OSVersion = osVersion
	a.BuildID = buildID

	for _, tok := range fields[3:] {
		if _, ok := knownArchitectures[tok]; ok {
			a.Architecture = tok
			break
		}
	}
	return a
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
