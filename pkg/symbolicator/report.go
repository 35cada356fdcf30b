package symbolicator

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Frame is one raw stack frame of a crash report.
type Frame struct {
	Library string `json:"library"`
	Address uint64 `json:"address"`
}

// Thread is one thread of a crash report.
type Thread struct {
	ID      int     `json:"id"`
	Crashed bool    `json:"crashed,omitempty"`
	Frames  []Frame `json:"frames"`
}

// KernelLibrary is the library name given to kernel-space frames. They are
// resolved against kernel signatures, never against the symbol store.
const KernelLibrary = "kernel"

// Report is an unsymbolicated crash report. Device holds whatever the
// reporter knew: a marketing name or a hardware identifier.
type Report struct {
	Process      string   `json:"process,omitempty"`
	Device       string   `json:"device"`
	OSVersion    string   `json:"os_version"`
	BuildID      string   `json:"build_id,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
	KernelPanic  bool     `json:"kernel_panic,omitempty"`
	Threads      []Thread `json:"threads"`
}

// AnnotatedFrame is a frame after symbolication. Unresolved frames keep their
// raw address and carry Resolved=false. SymbolType is set for kernel frames
// (kernel_function or kext_function).
type AnnotatedFrame struct {
	Library    string `json:"library"`
	Address    uint64 `json:"address"`
	Symbol     string `json:"symbol,omitempty"`
	Offset     uint64 `json:"offset,omitempty"`
	SymbolType string `json:"symbol_type,omitempty"`
	Resolved   bool   `json:"resolved"`
}

// AnnotatedThread mirrors Thread with annotated frames.
type AnnotatedThread struct {
	ID      int              `json:"id"`
	Crashed bool             `json:"crashed,omitempty"`
	Frames  []AnnotatedFrame `json:"frames"`
}

// Symbolication methods.
const (
	MethodDatabaseSymbols   = "database_symbols"
	MethodExtractedOnDemand = "extracted_on_demand"
)

// AnnotatedReport is the symbolication result.
type AnnotatedReport struct {
	ReportID         string            `json:"report_id"`
	Process          string            `json:"process,omitempty"`
	Device           string            `json:"device"`
	DeviceIdentifier string            `json:"device_identifier"`
	OSVersion        string            `json:"os_version"`
	BuildID          string            `json:"build_id,omitempty"`
	Architecture     string            `json:"architecture,omitempty"`
	KernelPanic      bool              `json:"kernel_panic,omitempty"`
	Method           string            `json:"method"`
	Threads          []AnnotatedThread `json:"threads"`
	FramesTotal      int               `json:"frames_total"`
	FramesResolved   int               `json:"frames_resolved"`
	Notes            []string          `json:"notes,omitempty"`
}

var (
	processRe     = regexp.MustCompile(`^Process:\s+(\S+)`)
	hardwareRe    = regexp.MustCompile(`^Hardware Model:\s+(.+?)\s*$`)
	osVersionRe   = regexp.MustCompile(`^OS Version:\s+(?:iPhone OS|iOS|iPadOS)?\s*([\d.]+)\s*\((\w+)\)`)
	threadRe      = regexp.MustCompile(`^Thread (\d+)( Crashed)?:`)
	frameRe       = regexp.MustCompile(`^\s*\d+\s+(\S+)\s+(0x[0-9a-fA-F]+)`)
	backtraceRe   = regexp.MustCompile(`^Backtrace.*CPU`)
	kernelFrameRe = regexp.MustCompile(`^(0x[0-9a-fA-F]+)\s*:\s*(0x[0-9a-fA-F]+)`)
)

// ParseCrashLog reads the textual crash-log format into a Report: the
// header lines for process, hardware model and OS version, then numbered
// frame lines grouped under "Thread N:" headers. Kernel panics are detected
// from the header and their "Backtrace (CPU n)" sections become a thread of
// kernel frames holding the return addresses.
func ParseCrashLog(r io.Reader) (Report, error) {
	var report Report
	var current *Thread
	inKernelBacktrace := false
	lineNo := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		if lineNo <= 10 && strings.Contains(strings.ToLower(line), "panic") {
			report.KernelPanic = true
		}

		if m := processRe.FindStringSubmatch(line); m != nil {
			report.Process = m[1]
			continue
		}
		if m := hardwareRe.FindStringSubmatch(line); m != nil {
			report.Device = m[1]
			continue
		}
		if m := osVersionRe.FindStringSubmatch(line); m != nil {
			report.OSVersion = m[1]
			report.BuildID = m[2]
			continue
		}
		if m := threadRe.FindStringSubmatch(line); m != nil {
			id, _ := strconv.Atoi(m[1])
			report.Threads = append(report.Threads, Thread{ID: id, Crashed: m[2] != ""})
			current = &report.Threads[len(report.Threads)-1]
			inKernelBacktrace = false
			continue
		}
		if backtraceRe.MatchString(line) {
			report.Threads = append(report.Threads, Thread{ID: len(report.Threads), Crashed: true})
			current = &report.Threads[len(report.Threads)-1]
			inKernelBacktrace = true
			continue
		}
		if inKernelBacktrace {
			m := kernelFrameRe.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				inKernelBacktrace = false
				continue
			}
			addr, err := strconv.ParseUint(strings.TrimPrefix(m[2], "0x"), 16, 64)
			if err != nil {
				continue
			}
			current.Frames = append(current.Frames, Frame{Library: KernelLibrary, Address: addr})
			continue
		}
		if m := frameRe.FindStringSubmatch(line); m != nil {
			addr, err := strconv.ParseUint(strings.TrimPrefix(m[2], "0x"), 16, 64)
			if err != nil {
				continue
			}
			if current == nil {
				report.Threads = append(report.Threads, Thread{ID: 0})
				current = &report.Threads[len(report.Threads)-1]
			}
			current.Frames = append(current.Frames, Frame{
				Library: strings.TrimSuffix(m[1], ".dylib"),
				Address: addr,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return report, errors.Wrap(err, "read crash log")
	}
	if report.Device == "" && !report.KernelPanic {
		return report, errors.New("crash log has no hardware model")
	}
	if len(report.Threads) == 0 {
		return report, errors.New("crash log has no stack frames")
	}
	return report, nil
}
