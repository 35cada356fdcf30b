// Package kernel resolves kernel-space addresses against per-version
// signature files. Signatures are generated offline (one directory per OS
// version with an xnu.json and optional kexts/*.json) and matched with a
// tolerance, since signature addresses rarely coincide exactly with the
// addresses a panic reports.
package kernel

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// matchTolerance is how far a panic address may sit from a signature address
// and still be attributed to it.
const matchTolerance = 0x1000

const (
	TypeKernelFunction = "kernel_function"
	TypeKextFunction   = "kext_function"
)

type Config struct {
	SignaturesDir string `yaml:"signatures_dir"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.SignaturesDir, "kernel.signatures-dir", "", "Directory with per-version kernel signature files. Empty disables kernel symbolication.")
}

// Hit is a resolved kernel address. Offset is signed: tolerance matching may
// attribute an address slightly below the signature address.
type Hit struct {
	Symbol string `json:"symbol"`
	Offset int64  `json:"offset"`
	Type   string `json:"type"`
}

// signatureFile is the on-disk JSON format.
type signatureFile struct {
	Functions map[string]struct {
		Address hexAddress `json:"address"`
	} `json:"functions"`
}

// hexAddress accepts "0x..." strings, decimal strings and JSON numbers.
type hexAddress uint64

func (a *hexAddress) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return err
	}
	*a = hexAddress(v)
	return nil
}

type signature struct {
	symbol  string
	address uint64
	typ     string
}

// Resolver answers kernel address lookups from signatures loaded once at
// startup. Immutable after construction.
type Resolver struct {
	versions map[string][]signature // sorted by address
	keys     []string               // sorted version keys
}

// LoadResolver loads all signature versions under dir. An empty dir yields a
// resolver that never matches; unreadable files are logged and skipped.
func LoadResolver(logger log.Logger, dir string) (*Resolver, error) {
	r := &Resolver{versions: make(map[string][]signature)}
	if dir == "" {
		return r, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		level.Warn(logger).Log("msg", "kernel signatures directory unavailable", "dir", dir, "err", err)
		return r, nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		version := e.Name()
		var sigs []signature

		xnuPath := filepath.Join(dir, version, "xnu.json")
		if loaded, err := loadSignatureFile(xnuPath, "", TypeKernelFunction); err != nil {
			if !os.IsNotExist(err) {
				level.Warn(logger).Log("msg", "failed to load xnu signatures", "path", xnuPath, "err", err)
			}
		} else {
			sigs = append(sigs, loaded...)
		}

		kextFiles, _ := filepath.Glob(filepath.Join(dir, version, "kexts", "*.json"))
		for _, kextPath := range kextFiles {
			kext := strings.TrimSuffix(filepath.Base(kextPath), ".json")
			loaded, err := loadSignatureFile(kextPath, kext+"::", TypeKextFunction)
			if err != nil {
				level.Warn(logger).Log("msg", "failed to load kext signatures", "path", kextPath, "err", err)
				continue
			}
			sigs = append(sigs, loaded...)
		}

		if len(sigs) == 0 {
			continue
		}
		sort.Slice(sigs, func(i, j int) bool { return sigs[i].address < sigs[j].address })
		r.versions[version] = sigs
		r.keys = append(r.keys, version)
		level.Info(logger).Log("msg", "loaded kernel signatures", "version", version, "functions", len(sigs))
	}
	sort.Strings(r.keys)
	return r, nil
}

func loadSignatureFile(path, symbolPrefix, typ string) ([]signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file signatureFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	sigs := make([]signature, 0, len(file.Functions))
	for name, fn := range file.Functions {
		sigs = append(sigs, signature{
			symbol:  symbolPrefix + name,
			address: uint64(fn.Address),
			typ:     typ,
		})
	}
	return sigs, nil
}

// Resolve attributes a kernel address to the nearest signature within the
// tolerance for the version matching osVersion. Version keys match by prefix
// in either direction ("17.4.1" uses the "17.4" signatures).
func (r *Resolver) Resolve(osVersion string, address uint64) (Hit, bool) {
	if osVersion == "" {
		return Hit{}, false
	}
	sigs, ok := r.signaturesFor(osVersion)
	if !ok {
		return Hit{}, false
	}

	// Nearest signature address, checked on both sides of the insertion
	// point.
	i := sort.Search(len(sigs), func(i int) bool { return sigs[i].address > address })
	best := -1
	bestDist := uint64(matchTolerance)
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= len(sigs) {
			continue
		}
		if dist := absDiff(address, sigs[cand].address); dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	if best < 0 {
		return Hit{}, false
	}
	return Hit{
		Symbol: sigs[best].symbol,
		Offset: int64(address) - int64(sigs[best].address),
		Type:   sigs[best].typ,
	}, true
}

func (r *Resolver) signaturesFor(osVersion string) ([]signature, bool) {
	if sigs, ok := r.versions[osVersion]; ok {
		return sigs, true
	}
	for _, key := range r.keys {
		if strings.HasPrefix(osVersion, key) || strings.HasPrefix(key, osVersion) {
			return r.versions[key], true
		}
	}
	return nil, false
}

// Versions lists the loaded signature versions.
func (r *Resolver) Versions() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
