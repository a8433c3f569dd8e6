package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestBarPercentAndCounts(t *testing.T) {
	b := NewBar("epoch 1/4", 10, 0)
	b.Set(5)

	s := b.String()
	if !strings.Contains(s, "epoch 1/4") {
		t.Errorf("expected message in %q", s)
	}
	if !strings.Contains(s, " 50%") {
		t.Errorf("expected 50%% in %q", s)
	}
	if !strings.Contains(s, "(5/10") {
		t.Errorf("expected counts in %q", s)
	}
}

func TestBarClampsAtTotal(t *testing.T) {
	b := NewBar("", 8, 0)
	b.Set(20)

	s := b.String()
	if !strings.Contains(s, "100%") {
		t.Errorf("expected 100%% in %q", s)
	}
	if !strings.Contains(s, "(8/8)") {
		t.Errorf("expected clamped counts in %q", s)
	}
	// eingefroren: keine Rate, keine Restzeit
	if strings.Contains(s, "it/s") || strings.Contains(s, "[") {
		t.Errorf("expected frozen bar without rate in %q", s)
	}
}

func TestBarZeroTotal(t *testing.T) {
	b := NewBar("leer", 0, 0)
	if s := b.String(); !strings.Contains(s, "0%") {
		t.Errorf("expected 0%% for empty bar, got %q", s)
	}
}

func TestSpinnerStopsRendering(t *testing.T) {
	s := NewSpinner("sampling")
	if out := s.String(); !strings.Contains(out, "sampling") {
		t.Errorf("expected message in %q", out)
	}

	s.Stop()
	if out := s.String(); out != "sampling " {
		t.Errorf("expected frozen spinner %q, got %q", "sampling ", out)
	}
}

func TestProgressRendersStates(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add("train", NewBar("training", 4, 0))

	if !p.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if got := buf.String(); !strings.Contains(got, "training") {
		t.Errorf("expected rendered bar in %q", got)
	}
	if p.Stop() {
		t.Error("expected second Stop to report false")
	}
}

func TestProgressReplacesByKey(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	first := NewBar("epoch 1", 4, 0)
	second := NewBar("epoch 2", 4, 0)
	p.Add("train", first)
	p.Add("train", second)
	p.Stop()

	got := buf.String()
	if strings.Contains(got, "epoch 1") {
		t.Errorf("expected replaced bar to vanish, got %q", got)
	}
	if !strings.Contains(got, "epoch 2") {
		t.Errorf("expected replacement bar in %q", got)
	}
}

func TestProgressStopAndClear(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add("val", NewSpinner("validating"))

	if !p.StopAndClear() {
		t.Fatal("expected StopAndClear to report true")
	}
	// letzte Sequenz loescht die Zeile
	if got := buf.String(); !strings.Contains(got, "\033[2K") {
		t.Errorf("expected clear sequence in %q", got)
	}
}
