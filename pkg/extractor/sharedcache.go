package extractor

import (
	"debug/macho"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// maxSymbolSpan caps the length of a derived range when the next symbol is
// far away (or absent): addresses further than 64 KiB past a symbol are not
// attributed to it.
const maxSymbolSpan = 0x10000

// CacheSymbol is one named address read from a shared-library cache.
type CacheSymbol struct {
	Name    string
	Address uint64
}

// LibraryTable holds the symbol addresses of one library image.
type LibraryTable struct {
	Library      string
	Architecture string
	Symbols      []CacheSymbol
}

// SharedCacheParser turns an extracted shared-library cache file into symbol
// tables. name is the cache entry's base name, arch the architecture encoded
// in it.
type SharedCacheParser interface {
	Parse(filePath, name, arch string) ([]LibraryTable, error)
}

// machoParser reads the cache file as a Mach-O image and lists its symbol
// table. The whole image is attributed to a single library named after the
// cache entry.
type machoParser struct{}

// NewMachoParser returns the built-in parser. It attributes every symbol to a
// library named after the cache entry ("dyld_shared_cache_arm64e"), so its
// rows only match crash frames that reference the cache by that name.
// Resolving per-library frames such as "libsystem_c" needs a parser that
// splits the cache into its images, plugged in through SharedCacheParser.
func NewMachoParser() SharedCacheParser { return machoParser{} }

func (machoParser) Parse(filePath, name, arch string) ([]LibraryTable, error) {
	f, err := macho.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s as Mach-O", name)
	}
	defer f.Close()

	if f.Symtab == nil || len(f.Symtab.Syms) == 0 {
		return nil, errors.Errorf("%s has no symbol table", name)
	}

	table := LibraryTable{Library: name, Architecture: arch}
	for _, sym := range f.Symtab.Syms {
		if sym.Name == "" || sym.Value == 0 {
			continue
		}
		table.Symbols = append(table.Symbols, CacheSymbol{Name: sym.Name, Address: sym.Value})
	}
	if len(table.Symbols) == 0 {
		return nil, errors.Errorf("%s has no named symbols", name)
	}
	return []LibraryTable{table}, nil
}

// sharedCacheArch recognizes shared-library cache entries inside a firmware
// archive and returns the architecture encoded in the entry name. Subcache
// continuation files ("dyld_shared_cache_arm64e.1") report the same
// architecture as their primary.
func sharedCacheArch(entryName string) (string, bool) {
	base := path.Base(entryName)
	const prefix = "dyld_shared_cache_"
	if !strings.HasPrefix(base, prefix) {
		return "", false
	}
	arch := strings.SplitN(strings.TrimPrefix(base, prefix), ".", 2)[0]
	if arch == "" {
		return "", false
	}
	return arch, true
}

// deriveRanges converts sorted symbol addresses into half-open ranges: each
// symbol runs to the next address, capped at maxSymbolSpan. Duplicate
// addresses keep the first name.
func deriveRanges(symbols []CacheSymbol) []CacheRange {
	sorted := make([]CacheSymbol, len(symbols))
	copy(sorted, symbols)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Address != sorted[j].Address {
			return sorted[i].Address < sorted[j].Address
		}
		return sorted[i].Name < sorted[j].Name
	})

	var ranges []CacheRange
	for i := 0; i < len(sorted); i++ {
		if i > 0 && sorted[i].Address == sorted[i-1].Address {
			continue
		}
		next := i + 1
		for next < len(sorted) && sorted[next].Address == sorted[i].Address {
			next++
		}
		end := sorted[i].Address + maxSymbolSpan
		if next < len(sorted) && sorted[next].Address < end {
			end = sorted[next].Address
		}
		ranges = append(ranges, CacheRange{
			Name:  sorted[i].Name,
			Start: sorted[i].Address,
			End:   end,
		})
	}
	return ranges
}

// CacheRange is a derived half-open symbol range.
type CacheRange struct {
	Name  string
	Start uint64
	End   uint64
}
