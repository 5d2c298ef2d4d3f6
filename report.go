package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// IterationReport summarizes one completed iteration.
type IterationReport struct {
	Iteration int
	Loss      float64
	MeanClip  float64
	MeanKL    float64
	GradNorm  float64
	BestText  string
	BestCost  float64
	Elapsed   time.Duration

	Logp     []float64
	LogpRef  []float64
	Cost     []float64
	Baseline []float64
	Clip     []float64
}

// Reporter receives every completed iteration.
type Reporter interface {
	Report(r *IterationReport) error
}

// ConsoleReporter prints one line per iteration.
type ConsoleReporter struct {
	Console *Console
}

func (c ConsoleReporter) Report(r *IterationReport) error {
	c.Console.Println(formatReport(r))
	return nil
}

func formatReport(r *IterationReport) string {
	return fmt.Sprintf("iter %d | loss %.4f | clip %.4f | kl %.4f | grad %.4f | %.1fs | best(%.4f) %q",
		r.Iteration, r.Loss, r.MeanClip, r.MeanKL, r.GradNorm, r.Elapsed.Seconds(), r.BestCost, r.BestText)
}

// MultiReporter fans a report out. All reporters run; errors are joined.
type MultiReporter []Reporter

func (m MultiReporter) Report(r *IterationReport) error {
	var msgs []string
	for _, rep := range m {
		if err := rep.Report(r); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("report: %s", strings.Join(msgs, "; "))
	}
	return nil
}
