package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPad_DisplayWidth(t *testing.T) {
	// Wide (CJK) runes count as two cells
	if got := Pad("ab", 4); got != "ab  " {
		t.Errorf("got %q", got)
	}
	if got := Pad("试验", 6); got != "试验  " {
		t.Errorf("got %q", got)
	}
	if got := Pad("long", 2); got != "long" {
		t.Errorf("got %q", got)
	}
}

func TestTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Table([][]string{
		{"trial", "status"},
		{"NCT00000001", "success"},
		{"DRKS00004744", "error"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines: %q", lines)
	}
	// Column 2 starts at the same offset in every line.
	off := strings.Index(lines[1], "success")
	if off == -1 || strings.Index(lines[2], "error") != off {
		t.Errorf("misaligned:\n%s", buf.String())
	}
}

func TestTable_EmptyRendersNothing(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).Table(nil)
	if buf.Len() != 0 {
		t.Errorf("output: %q", buf.String())
	}
}

func TestPrinter_ColorsToggle(t *testing.T) {
	var plain, colored bytes.Buffer
	NewPrinter(&plain, false).Stage("PREP")
	NewPrinter(&colored, true).Stage("PREP")
	if strings.Contains(plain.String(), "\033[") {
		t.Errorf("plain output has ANSI codes: %q", plain.String())
	}
	if !strings.Contains(colored.String(), "\033[") {
		t.Errorf("colored output lacks ANSI codes: %q", colored.String())
	}
}

func TestSummary_PrintsTotals(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).Summary(RunTotals{
		Success: 3, Errors: 1, Skipped: 2, TotalTokens: 1234, Elapsed: 90 * time.Second,
	})
	out := buf.String()
	for _, want := range []string{"success", "3", "errors", "1", "skipped", "2", "1234", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
