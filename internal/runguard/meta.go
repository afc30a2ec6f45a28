// Package runguard supervises one sandboxed command: it composes
// cgroup accounting, namespace isolation, rlimits and seccomp, enforces
// the time limits, and writes a structured meta report.
package runguard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	appErr "judged/pkg/errors"
)

// Time-result values recorded in the meta report.
const (
	TimeResultNone = ""
	TimeResultSoft = "soft-timelimit"
	TimeResultHard = "hard-timelimit"
)

// MemoryResultOOM marks a run terminated by the cgroup OOM killer.
const MemoryResultOOM = "oom"

// Report is the structured execution summary written to the meta file.
type Report struct {
	ExitCode int
	// Signal is the terminating signal, or 0 if the command exited.
	Signal int

	// Times are in seconds.
	WallTime float64
	UserTime float64
	SysTime  float64
	CPUTime  float64

	MemoryBytes int64
	// MemoryResult is "oom" or empty.
	MemoryResult string
	// TimeResult is one of TimeResultNone, TimeResultSoft, TimeResultHard.
	TimeResult string

	InternalError string
}

// WriteMeta appends the report as "key: value" records.
func (r Report) WriteMeta(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writeRecord := func(key, value string) {
		fmt.Fprintf(bw, "%s: %s\n", key, value)
	}

	writeRecord("memory-bytes", strconv.FormatInt(r.MemoryBytes, 10))
	writeRecord("memory-result", r.MemoryResult)
	writeRecord("exitcode", strconv.Itoa(r.ExitCode))
	if r.Signal > 0 {
		writeRecord("signal", strconv.Itoa(r.Signal))
	}
	writeRecord("wall-time", formatSeconds(r.WallTime))
	writeRecord("user-time", formatSeconds(r.UserTime))
	writeRecord("sys-time", formatSeconds(r.SysTime))
	writeRecord("cpu-time", formatSeconds(r.CPUTime))
	writeRecord("time-result", r.TimeResult)
	if r.InternalError != "" {
		writeRecord("internal-error", r.InternalError)
	}

	if err := bw.Flush(); err != nil {
		return appErr.Wrapf(err, appErr.MetaFileError, "write meta records failed")
	}
	return nil
}

// AppendMetaFile appends the report to the file at path.
func (r Report) AppendMetaFile(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.MetaFileError, "open meta file failed")
	}
	defer file.Close()
	return r.WriteMeta(file)
}

// ParseMeta reads "key: value" records. Unknown keys are ignored,
// missing numeric keys default to 0 and missing string keys to "".
func ParseMeta(r io.Reader) (Report, error) {
	var report Report
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "exitcode":
			report.ExitCode = parseInt(value)
		case "signal":
			report.Signal = parseInt(value)
		case "wall-time":
			report.WallTime = parseFloat(value)
		case "user-time":
			report.UserTime = parseFloat(value)
		case "sys-time":
			report.SysTime = parseFloat(value)
		case "cpu-time":
			report.CPUTime = parseFloat(value)
		case "memory-bytes":
			report.MemoryBytes = parseInt64(value)
		case "memory-result":
			report.MemoryResult = value
		case "time-result":
			report.TimeResult = value
		case "internal-error":
			report.InternalError = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Report{}, appErr.Wrapf(err, appErr.MetaFileError, "read meta records failed")
	}
	return report, nil
}

// LoadMetaFile parses the meta file at path.
func LoadMetaFile(path string) (Report, error) {
	file, err := os.Open(path)
	if err != nil {
		return Report{}, appErr.Wrapf(err, appErr.MetaFileError, "open meta file failed")
	}
	defer file.Close()
	return ParseMeta(file)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func parseInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
