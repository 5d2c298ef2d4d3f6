package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// ============================================================
// Console tests
// ============================================================

func TestConsoleRedrawsProgress(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	c.Progress("a")
	c.Println("x")
	want := "a" + "\r\033[K" + "x\n" + "a"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
	c.Done()
	if !strings.HasSuffix(buf.String(), "\r\033[K") {
		t.Errorf("expected Done to clear the line, got %q", buf.String())
	}
}

func TestConsoleWithoutTTY(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)
	c.Progress("iter %d", 3)
	c.Println("line")
	if buf.String() != "line\n" {
		t.Errorf("expected only the permanent line, got %q", buf.String())
	}
}

func TestConsoleAsLogWriter(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	log := slog.New(slog.NewTextHandler(c, nil))
	c.Progress("p")
	log.Info("hello")
	out := buf.String()
	if !strings.HasPrefix(out, "p\r\033[K") || !strings.HasSuffix(out, "\np") {
		t.Errorf("log record should replace and then restore progress, got %q", out)
	}
	if !strings.Contains(out, "msg=hello") {
		t.Errorf("expected log record, got %q", out)
	}
}

// ============================================================
// Reporter tests
// ============================================================

type stubReporter struct {
	err   error
	calls int
}

func (s *stubReporter) Report(*IterationReport) error {
	s.calls++
	return s.err
}

func TestMultiReporterRunsAll(t *testing.T) {
	a := &stubReporter{err: errors.New("disk full")}
	b := &stubReporter{}
	err := MultiReporter{a, b}.Report(&IterationReport{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected joined error, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("expected every reporter to run, got %d and %d", a.calls, b.calls)
	}
}

func TestConsoleReporterFormat(t *testing.T) {
	var buf bytes.Buffer
	r := ConsoleReporter{Console: NewConsole(&buf, false)}
	rep := &IterationReport{Iteration: 4, Loss: 1.25, MeanClip: 1.5, MeanKL: 0.125, GradNorm: 2, BestText: "a cat", BestCost: 1.1, Elapsed: 1500 * time.Millisecond}
	if err := r.Report(rep); err != nil {
		t.Fatal(err)
	}
	want := `iter 4 | loss 1.2500 | clip 1.5000 | kl 0.1250 | grad 2.0000 | 1.5s | best(1.1000) "a cat"` + "\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}
