// Package domain implements order automation: sequential step chains driven
// by per-order-type workflow definitions, plus independently claimable tasks
// with role gating and an append-only audit trail.
//
// All state transitions are conditional writes delegated to the Store; the
// service never reads-then-writes across statements, so concurrent callers
// race on the storage predicate and exactly one wins.
package domain

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/warehouseops/orderflow/internal/platform/id"
	"github.com/warehouseops/orderflow/internal/services/automation/workflow"
)

// Service coordinates order automation on top of a Store and a workflow
// registry. The zero value is not usable; construct with NewService.
type Service struct {
	store    Store
	registry *workflow.Registry
	roles    RoleResolver
	fanout   *Fanout
	clock    func() time.Time
	newID    func() (string, error)
	tracer   trace.Tracer
	logger   *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the identifier source. Intended for tests.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithFanout attaches notification fanout. Without it state changes are
// persisted and audited but nobody is notified.
func WithFanout(fanout *Fanout) Option {
	return func(s *Service) {
		s.fanout = fanout
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires an automation service. store, registry, and roles are
// required; options fill the rest.
func NewService(store Store, registry *workflow.Registry, roles RoleResolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		roles:    roles,
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    id.NewID,
		tracer:   otel.Tracer("orderflow/automation"),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// notify runs a fanout callback when fanout is configured. Fanout failures
// never surface to the caller; delivery is best effort after commit.
func (s *Service) notify(ctx context.Context, dispatch func(ctx context.Context, f *Fanout)) {
	if s.fanout == nil {
		return
	}
	dispatch(ctx, s.fanout)
}
