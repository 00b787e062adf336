package tokens

import (
	"strings"
	"testing"
)

func TestNewBudgeter(t *testing.T) {
	b, err := NewBudgeter("cl100k_base", 25000)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	if b.Cap() != 25000 {
		t.Errorf("Cap() = %d, want 25000", b.Cap())
	}
	if b.Budget() != 25000-FrameReserve {
		t.Errorf("Budget() = %d, want %d", b.Budget(), 25000-FrameReserve)
	}
	if b.Encoding() != "cl100k_base" {
		t.Errorf("Encoding() = %q, want cl100k_base", b.Encoding())
	}
}

func TestNewBudgeter_BadInputs(t *testing.T) {
	if _, err := NewBudgeter("no_such_encoding", 25000); err == nil {
		t.Error("expected error for unknown encoding")
	}
	if _, err := NewBudgeter("cl100k_base", 0); err == nil {
		t.Error("expected error for zero cap")
	}
}

func TestCount(t *testing.T) {
	b, err := NewBudgeter("cl100k_base", 25000)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}

	// Exact counts depend on the vocabulary; assert sane ranges.
	tests := []struct {
		name string
		text string
		min  int
		max  int
	}{
		{"empty", "", 0, 0},
		{"greeting", "Hello, world!", 3, 5},
		{"sentence", "The quick brown fox jumps over the lazy dog.", 8, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Count(tt.text)
			if got < tt.min || got > tt.max {
				t.Errorf("Count(%q) = %d, want between %d and %d", tt.text, got, tt.min, tt.max)
			}
		})
	}
}

func TestFits_ExactBoundary(t *testing.T) {
	// Derive the cap from a measured count so the boundary is exact
	// regardless of vocabulary details.
	probe, err := NewBudgeter("cl100k_base", 1)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	text := strings.Repeat("alpha beta gamma ", 40)
	n := probe.Count(text)

	atCap, err := NewBudgeter("cl100k_base", n)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	if !atCap.Fits(text) {
		t.Error("payload exactly at the cap should fit")
	}

	oneUnder, err := NewBudgeter("cl100k_base", n-1)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	if oneUnder.Fits(text) {
		t.Error("payload one token over the cap should not fit")
	}
}

func TestListPrefix(t *testing.T) {
	b, err := NewBudgeter("cl100k_base", 25000)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}

	items := []string{"one fish", "two fish", "red fish", "blue fish"}

	// Budget large enough for everything: whole list, no cursor needed.
	n, used := b.ListPrefix(items)
	if n != len(items) {
		t.Errorf("ListPrefix() n = %d, want %d", n, len(items))
	}
	if used <= 0 {
		t.Errorf("ListPrefix() used = %d, want positive", used)
	}

	// Budget sized to exactly the first two items: prefix stops there.
	first2 := b.Count(items[0]) + b.Count(items[1])
	tight, err := NewBudgeter("cl100k_base", first2+FrameReserve)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	n, used = tight.ListPrefix(items)
	if n != 2 {
		t.Errorf("ListPrefix() n = %d, want 2", n)
	}
	if used != first2 {
		t.Errorf("ListPrefix() used = %d, want %d", used, first2)
	}
}

func TestListPrefix_OversizeFirstItem(t *testing.T) {
	b, err := NewBudgeter("cl100k_base", FrameReserve+2)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	items := []string{strings.Repeat("incompressible variety jumble ", 30)}
	n, used := b.ListPrefix(items)
	if n != 0 || used != 0 {
		t.Errorf("ListPrefix() = (%d, %d), want (0, 0) when the first item exceeds the budget", n, used)
	}
}

func TestTruncateBlob(t *testing.T) {
	b, err := NewBudgeter("cl100k_base", 25000)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}

	small := "short text"
	kept, keptBytes, truncated := b.TruncateBlob(small)
	if truncated {
		t.Error("small blob should not be truncated")
	}
	if kept != small || keptBytes != len(small) {
		t.Errorf("TruncateBlob() = (%q, %d)", kept, keptBytes)
	}

	big := strings.Repeat("All work and no play makes Jack a dull boy. ", 100)
	tight, err := NewBudgeter("cl100k_base", FrameReserve+10)
	if err != nil {
		t.Fatalf("NewBudgeter() error = %v", err)
	}
	kept, keptBytes, truncated = tight.TruncateBlob(big)
	if !truncated {
		t.Fatal("big blob should be truncated")
	}
	if keptBytes != len(kept) {
		t.Errorf("keptBytes = %d, want %d", keptBytes, len(kept))
	}
	if !strings.HasPrefix(big, kept) {
		t.Error("kept text should be a prefix of the original")
	}
	if tight.Count(kept) > tight.Budget() {
		t.Errorf("kept text counts %d tokens, over budget %d", tight.Count(kept), tight.Budget())
	}
}

func TestTruncationMarker(t *testing.T) {
	m := TruncationMarker(1024, 9000)
	if !strings.Contains(m, "1024") || !strings.Contains(m, "9000") {
		t.Errorf("marker %q should name shown and total byte sizes", m)
	}
}
