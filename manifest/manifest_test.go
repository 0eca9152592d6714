package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	r := Default()
	if r.GC.ThresholdBytes != DefaultGCThresholdBytes {
		t.Errorf("threshold = %d", r.GC.ThresholdBytes)
	}
	if r.Scheduler.FairnessBudget != DefaultFairnessBudget {
		t.Errorf("budget = %d", r.Scheduler.FairnessBudget)
	}
	if r.Limits.MaxFrames != DefaultMaxFrames {
		t.Errorf("max frames = %d", r.Limits.MaxFrames)
	}
	if r.Limits.MaxRegisters != DefaultMaxRegisters {
		t.Errorf("max registers = %d", r.Limits.MaxRegisters)
	}
}

func TestParse(t *testing.T) {
	r, err := Parse(`
[gc]
threshold-bytes = 4096

[scheduler]
fairness-budget = 50

[limits]
max-frames = 16
`)
	if err != nil {
		t.Fatal(err)
	}
	if r.GC.ThresholdBytes != 4096 || r.Scheduler.FairnessBudget != 50 || r.Limits.MaxFrames != 16 {
		t.Fatalf("got %+v", r)
	}
}

func TestParseFillsDefaults(t *testing.T) {
	r, err := Parse(`[gc]
threshold-bytes = 2048`)
	if err != nil {
		t.Fatal(err)
	}
	if r.GC.ThresholdBytes != 2048 {
		t.Fatal("explicit value lost")
	}
	if r.Scheduler.FairnessBudget != DefaultFairnessBudget {
		t.Fatal("unset sections must fall back to defaults")
	}
}

func TestParseRejectsNegative(t *testing.T) {
	if _, err := Parse(`[limits]
max-frames = -1`); err == nil {
		t.Fatal("negative max-frames must be rejected")
	}
}

func TestParseRejectsOversizedRegisterFile(t *testing.T) {
	if _, err := Parse(`[limits]
max-registers = 300`); err == nil {
		t.Fatal("register operands are one byte; 300 must be rejected")
	}
}

func TestParseRejectsBadTOML(t *testing.T) {
	if _, err := Parse(`[gc`); err == nil {
		t.Fatal("malformed TOML must be rejected")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if r != Default() {
		t.Fatalf("got %+v, want defaults", r)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.toml")
	if err := os.WriteFile(path, []byte("[scheduler]\nfairness-budget = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Scheduler.FairnessBudget != 7 {
		t.Fatalf("budget = %d, want 7", r.Scheduler.FairnessBudget)
	}
}
