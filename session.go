package main

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Session owns the policy and optimizer state for one prompt and one target
// image. Stages borrow the policy read-only except the updater.
type Session struct {
	cfg    Config
	policy *Policy

	prompt      []int
	promptValid []bool
	rng         *rand.Rand

	sampler *Sampler
	scorer  *Scorer
	costs   *CostModel
	updater *Updater

	reporter Reporter
	progress func(format string, args ...any)
	log      *slog.Logger

	iter int
}

type SessionOptions struct {
	Reporter Reporter
	Progress func(format string, args ...any)
	Logger   *slog.Logger
}

// NewSession wires the stages around policy. target is the embedding of the
// session's image.
func NewSession(cfg Config, policy *Policy, emb Embedder, target []float64, opts SessionOptions) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return nil, errors.New("empty target image embedding")
	}
	tokens, valid := policy.Tok.EncodeBatch([]string{cfg.Prompt})
	s := &Session{
		cfg:         cfg,
		policy:      policy,
		prompt:      tokens[0],
		promptValid: valid[0],
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		sampler:     &Sampler{Model: policy, Workers: cfg.Workers},
		scorer:      &Scorer{Model: policy, Temperature: cfg.Temperature, Workers: cfg.Workers},
		costs: &CostModel{
			Decoder:  policy.Tok,
			Embedder: emb,
			Target:   append([]float64(nil), target...),
			KLWeight: cfg.KLWeight,
			Workers:  cfg.Workers,
		},
		updater: &Updater{
			Params:   policy.TrainableParams(),
			Frozen:   policy.BaseParams(),
			Opt:      NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.EpsAdam),
			GradClip: cfg.GradClip,
		},
		reporter: opts.Reporter,
		progress: opts.Progress,
		log:      opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.progress == nil {
		s.progress = func(string, ...any) {}
	}
	return s, nil
}

// Reseed resets the sampling random source.
func (s *Session) Reseed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

// Iterations reports how many iterations have completed.
func (s *Session) Iterations() int { return s.iter }

// Step runs sample, score, cost and update once.
func (s *Session) Step(ctx context.Context) (*IterationReport, error) {
	start := time.Now()
	it := s.iter

	s.progress("iter %d | sampling", it)
	batch, err := s.sampler.Sample(ctx, s.rng, s.prompt, s.promptValid, s.cfg.BatchSize, s.cfg.Length, s.cfg.Temperature)
	if err != nil {
		return nil, err
	}

	s.progress("iter %d | scoring", it)
	scores, err := s.scorer.Score(ctx, batch)
	if err != nil {
		return nil, errors.WithMessage(err, "scoring")
	}

	s.progress("iter %d | embedding", it)
	costs, err := s.costs.Compute(ctx, batch, scores)
	if err != nil {
		return nil, errors.WithMessage(err, "cost")
	}

	s.progress("iter %d | updating", it)
	upd, err := s.updater.Step(scores.Logp, costs.Total)
	if err != nil {
		return nil, errors.WithMessage(err, "update")
	}
	s.iter++

	rep := &IterationReport{
		Iteration: it,
		Loss:      upd.Loss,
		MeanClip:  mean(costs.Clip),
		MeanKL:    mean(costs.KL),
		GradNorm:  upd.GradNorm,
		Elapsed:   time.Since(start),
		LogpRef:   scores.LogpRef,
		Cost:      costs.Total,
		Baseline:  upd.Baseline,
		Clip:      costs.Clip,
		Logp:      make([]float64, len(scores.Logp)),
	}
	for i, lp := range scores.Logp {
		rep.Logp[i] = lp.Data
	}
	best := 0
	for i, c := range costs.Total {
		if c < costs.Total[best] {
			best = i
		}
	}
	rep.BestText, rep.BestCost = batch.Samples[best].Text, costs.Total[best]
	return rep, nil
}

// Run iterates until ctx is cancelled or MaxIterations is reached.
// Cancellation is checked between iterations only; an interrupted run
// returns nil with the last completed update in place.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("training started",
		"prompt", s.cfg.Prompt,
		"length", s.cfg.Length,
		"batch_size", s.cfg.BatchSize,
		"kl_weight", s.cfg.KLWeight,
		"temperature", s.cfg.Temperature,
		"trainable_rows", len(s.updater.Params))

	for {
		if ctx.Err() != nil {
			s.log.Info("interrupted, stopping", "iterations", s.iter)
			return nil
		}
		if s.cfg.MaxIterations > 0 && s.iter >= s.cfg.MaxIterations {
			s.log.Info("iteration limit reached", "iterations", s.iter)
			return nil
		}

		rep, err := s.Step(context.WithoutCancel(ctx))
		if err != nil {
			return errors.WithMessagef(err, "iteration %d", s.iter)
		}
		if s.reporter != nil {
			if err := s.reporter.Report(rep); err != nil {
				s.log.Warn("report failed", "iteration", rep.Iteration, "err", err)
			}
		}
	}
}
