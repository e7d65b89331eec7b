/*
service.go - Operation set consumed by the transport layer

  EnsureNextObligation(unit)                       → Obligation
  Settle(obligation, tendered, method, ref, fwd)   → SettlementResult
  SettleBatch(obligations, tendered, method, ref)  → BatchResult
  ComputeSurcharge(obligation, asOf)               → SurchargeQuote
  ListObligations(unit, states)                    → []Obligation

Every operation reads the active BillingConfig once and passes that
snapshot down, so a config change mid-operation cannot split it.
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Options struct {
	Clock   Clock
	Logger  *slog.Logger
	Metrics Metrics

	// Events receives ObligationSettled. When nil the next obligation is
	// generated inline after the settlement commits.
	Events Publisher
}

type Service struct {
	Store       TxStore
	Directory   Directory
	Config      ConfigProvider
	Generator   *Generator
	Allocator   *Allocator
	Settlement  *SettlementEngine
	Assessments *AssessmentEngine
	Metrics     Metrics
	Clock       Clock
	Logger      *slog.Logger
}

func NewService(store TxStore, assessments AssessmentStore, dir Directory, cfg ConfigProvider, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}

	gen := NewGenerator(store, dir, opts.Clock, opts.Logger)
	alloc := NewAllocator(store, gen, opts.Clock, opts.Logger)

	events := opts.Events
	if events == nil {
		events = InlinePublisher{Handler: NextObligationHandler(gen, opts.Metrics), Logger: opts.Logger}
	}

	return &Service{
		Store:     store,
		Directory: dir,
		Config:    cfg,
		Generator: gen,
		Allocator: alloc,
		Settlement: &SettlementEngine{
			Store:     store,
			Allocator: alloc,
			Events:    events,
			Metrics:   opts.Metrics,
			Clock:     opts.Clock,
			Logger:    opts.Logger,
		},
		Assessments: &AssessmentEngine{
			Store:     assessments,
			Directory: dir,
			Clock:     opts.Clock,
			Logger:    opts.Logger,
		},
		Metrics: opts.Metrics,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
	}
}

func (s *Service) config(ctx context.Context) (BillingConfig, error) {
	cfg, err := s.Config.ActiveConfig(ctx)
	if err != nil {
		return BillingConfig{}, fmt.Errorf("load billing config: %w", err)
	}
	return cfg, nil
}

func (s *Service) EnsureNextObligation(ctx context.Context, unitID UnitID, actor string) (*Obligation, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	return s.Generator.EnsureNext(ctx, unitID, cfg, actor)
}

func (s *Service) Settle(ctx context.Context, in SettleInput) (*SettlementResult, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	return s.Settlement.Settle(ctx, in, cfg)
}

// ForwardSurplus re-runs surplus forwarding for a settled obligation. It is
// how a partially failed or capped allocation is completed.
func (s *Service) ForwardSurplus(ctx context.Context, id ObligationID, actor string) (*SettlementResult, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	return s.Settlement.ForwardSurplus(ctx, id, actor, cfg)
}

func (s *Service) SettleBatch(ctx context.Context, in BatchInput) (*BatchResult, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	return s.Settlement.SettleBatch(ctx, in, cfg)
}

// SurchargeQuote is a read-only preview of what settling would cost.
type SurchargeQuote struct {
	ObligationID ObligationID
	AsOf         time.Time
	Lateness     Lateness
	Surcharge    Money
	TotalDue     Money
	Outstanding  Money
}

// ComputeSurcharge prices an obligation as of asOf (now when nil).
func (s *Service) ComputeSurcharge(ctx context.Context, id ObligationID, asOf *time.Time) (*SurchargeQuote, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	ob, err := s.Store.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	at := s.Clock()
	if asOf != nil {
		at = *asOf
	}
	surcharge := Surcharge(ob, at, cfg)
	total := ob.AmountDue.Add(surcharge)
	q := &SurchargeQuote{
		ObligationID: id,
		AsOf:         at,
		Surcharge:    surcharge,
		TotalDue:     total,
		Outstanding:  total.Sub(ob.AmountPaid).Max(ZeroMoney()),
	}
	if surcharge.IsPositive() {
		q.Lateness = LatenessAt(ob.DueDate, at)
	}
	return q, nil
}

func (s *Service) ListObligations(ctx context.Context, unitID UnitID, filter ObligationFilter) ([]Obligation, error) {
	for _, st := range filter.States {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidState, st)
		}
	}
	if _, err := s.Directory.Unit(ctx, unitID); err != nil {
		return nil, err
	}
	return s.Store.ListObligations(ctx, unitID, filter)
}

func (s *Service) GetObligation(ctx context.Context, id ObligationID) (*Obligation, error) {
	return s.Store.GetObligation(ctx, id)
}

// CancelObligation withdraws an unpaid obligation. Paid obligations are
// history and cannot be cancelled.
func (s *Service) CancelObligation(ctx context.Context, id ObligationID, actor string) (*Obligation, error) {
	ob, err := s.Store.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	if ob.State.IsPaid() {
		return nil, &AlreadySettledError{ObligationID: id, State: ob.State}
	}
	if ob.State == StateCancelled {
		return ob, nil
	}
	c := ob.Clone()
	c.State = StateCancelled
	c.UpdatedAt = s.Clock()
	version, err := s.Store.UpdateObligation(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("cancel obligation: %w", err)
	}
	c.Version = version
	s.Logger.Info("obligation cancelled", "obligation_id", id, "unit_id", c.UnitID, "actor", actor)
	return &c, nil
}

func (s *Service) CreateAssessment(ctx context.Context, in CreateAssessmentInput) (*Assessment, error) {
	return s.Assessments.Create(ctx, in)
}

func (s *Service) SettleAssessment(ctx context.Context, in SettleAssessmentInput) (*Assessment, error) {
	return s.Assessments.Settle(ctx, in)
}

func (s *Service) CancelAssessment(ctx context.Context, id AssessmentID) (*Assessment, error) {
	return s.Assessments.Cancel(ctx, id)
}

func (s *Service) GetAssessment(ctx context.Context, id AssessmentID) (*Assessment, error) {
	return s.Assessments.Store.GetAssessment(ctx, id)
}
