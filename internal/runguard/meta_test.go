package runguard

import (
	"bytes"
	"strings"
	"testing"
)

func TestMetaRoundTrip(t *testing.T) {
	report := Report{
		ExitCode:     137,
		Signal:       9,
		WallTime:     1.234,
		UserTime:     0.5,
		SysTime:      0.25,
		CPUTime:      0.75,
		MemoryBytes:  33554432,
		MemoryResult: MemoryResultOOM,
		TimeResult:   TimeResultSoft,
	}

	var buf bytes.Buffer
	if err := report.WriteMeta(&buf); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	parsed, err := ParseMeta(&buf)
	if err != nil {
		t.Fatalf("parse meta: %v", err)
	}
	if parsed != report {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", parsed, report)
	}
}

func TestMetaWriterOmitsZeroSignal(t *testing.T) {
	var buf bytes.Buffer
	if err := (Report{ExitCode: 0}).WriteMeta(&buf); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if strings.Contains(buf.String(), "signal:") {
		t.Fatalf("signal record written for clean exit:\n%s", buf.String())
	}
}

func TestMetaParserDefaults(t *testing.T) {
	input := "exitcode: 3\nsome-future-key: whatever\nnot a record\n"
	report, err := ParseMeta(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse meta: %v", err)
	}
	if report.ExitCode != 3 {
		t.Fatalf("expected exitcode 3, got %d", report.ExitCode)
	}
	if report.WallTime != 0 || report.MemoryBytes != 0 {
		t.Fatalf("missing numeric keys must default to 0: %+v", report)
	}
	if report.MemoryResult != "" || report.TimeResult != "" {
		t.Fatalf("missing string keys must default to empty: %+v", report)
	}
}

func TestMetaFileAppend(t *testing.T) {
	path := t.TempDir() + "/meta"
	first := Report{ExitCode: 1, TimeResult: TimeResultHard}
	if err := first.AppendMetaFile(path); err != nil {
		t.Fatalf("append meta: %v", err)
	}
	parsed, err := LoadMetaFile(path)
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if parsed.ExitCode != 1 || parsed.TimeResult != TimeResultHard {
		t.Fatalf("unexpected report: %+v", parsed)
	}
}
