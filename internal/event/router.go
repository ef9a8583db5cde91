package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/observability"
	"github.com/cory-johannsen/gtserver/internal/protocol"
)

// Registration adds handlers to a Builder. Scripts and game logic packages
// expose one each.
type Registration func(b *Builder) error

// Builder collects handlers before the Router is built. It is not safe for
// concurrent use.
type Builder struct {
	tables [numClasses]map[string]Handler
	built  bool
}

// NewBuilder returns an empty Builder.
//
// Postcondition: every class table is initialised and empty.
func NewBuilder() *Builder {
	b := &Builder{}
	for i := range b.tables {
		b.tables[i] = make(map[string]Handler)
	}
	return b
}

// Register adds h for key in class.
//
// Precondition: h must be non-nil.
// Postcondition: Returns an error if class is unknown, the key is already
// registered in class, or the Builder has already been built.
func (b *Builder) Register(class Class, key string, h Handler) error {
	if b.built {
		return fmt.Errorf("event: register %s %q: router already built", class, key)
	}
	if !class.valid() {
		return fmt.Errorf("event: register %q: unknown %s", key, class)
	}
	if h == nil {
		return fmt.Errorf("event: register %s %q: nil handler", class, key)
	}
	if _, exists := b.tables[class][key]; exists {
		return fmt.Errorf("event: duplicate %s event %q", class, key)
	}
	b.tables[class][key] = h
	return nil
}

// Text registers a text protocol handler.
func (b *Builder) Text(key string, h Handler) error {
	return b.Register(ClassText, key, h)
}

// Action registers a handler for an "action" text event.
func (b *Builder) Action(action string, h Handler) error {
	return b.Register(ClassAction, action, h)
}

// Packet registers a binary game packet handler.
func (b *Builder) Packet(t protocol.GamePacketType, h Handler) error {
	return b.Register(ClassGamePacket, PacketKey(t), h)
}

// Build closes registration and returns the immutable Router.
//
// Precondition: logger and metrics must be non-nil.
// Postcondition: further Register calls on b fail.
func (b *Builder) Build(logger *zap.Logger, metrics *observability.Metrics) *Router {
	b.built = true
	r := &Router{
		logger:  logger.Named("event"),
		metrics: metrics,
		tracer:  observability.Tracer(),
	}
	for i, table := range b.tables {
		r.tables[i] = make(map[string]Handler, len(table))
		for k, h := range table {
			r.tables[i][k] = h
		}
	}
	return r
}

// Router maps EventKeys to handlers. It is immutable and safe for concurrent
// use by every instance.
type Router struct {
	tables  [numClasses]map[string]Handler
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// LoadEvents builds a Router holding the built-in events plus every handler
// added by regs.
//
// Precondition: logger and metrics must be non-nil.
// Postcondition: Returns an error naming the first failed registration.
func LoadEvents(logger *zap.Logger, metrics *observability.Metrics, regs ...Registration) (*Router, error) {
	b := NewBuilder()
	if err := RegisterBuiltins(b); err != nil {
		return nil, err
	}
	for _, reg := range regs {
		if err := reg(b); err != nil {
			return nil, fmt.Errorf("loading events: %w", err)
		}
	}
	return b.Build(logger, metrics), nil
}

// Counts returns the number of registered handlers per class.
func (r *Router) Counts() map[Class]int {
	out := make(map[Class]int, len(r.tables))
	for _, c := range Classes {
		out[c] = len(r.tables[c])
	}
	return out
}

// Has reports whether key has a handler in class.
func (r *Router) Has(class Class, key string) bool {
	if !class.valid() {
		return false
	}
	_, ok := r.tables[class][key]
	return ok
}

// Dispatch runs the handler registered for key in class.
//
// A missing handler is not an error: Dispatch returns false and touches
// nothing. A panicking handler is recovered and logged; the dispatch still
// counts as run.
//
// Precondition: ec must be non-nil.
// Postcondition: Returns true iff a handler existed and was invoked. The
// handler receives a copy of ec, so the caller's Context is never modified.
func (r *Router) Dispatch(ctx context.Context, class Class, key string, ec *Context) (ran bool) {
	var h Handler
	if class.valid() {
		h = r.tables[class][key]
	}
	r.metrics.Dispatched(class.String(), h != nil)
	if h == nil {
		r.logger.Debug("no handler for event",
			zap.Stringer("class", class),
			zap.String("key", key),
		)
		return false
	}

	spanCtx, span := r.tracer.Start(ctx, "event."+class.String(),
		trace.WithAttributes(
			attribute.String("event.key", key),
			attribute.Int("instance", int(ec.Server.InstanceID())),
		),
	)
	local := *ec
	local.Ctx = spanCtx
	defer func() {
		if p := recover(); p != nil {
			r.metrics.HandlerPanicked(class.String())
			span.SetStatus(codes.Error, fmt.Sprint(p))
			r.logger.Error("event handler panicked",
				zap.Stringer("class", class),
				zap.String("key", key),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}
		span.End()
	}()

	ran = true
	h(&local)
	return ran
}

// DispatchClassified picks the class and key for cp and dispatches it with
// a copy of ec carrying the payload view.
//
// Postcondition: Returns false for unrecognized packets without invoking
// anything. ec is left unchanged.
func (r *Router) DispatchClassified(ctx context.Context, cp protocol.ClassifiedPacket, ec *Context) bool {
	local := *ec
	switch {
	case cp.Category.IsText() && cp.Text != nil:
		local.Text = cp.Text
		return r.Dispatch(ctx, ClassText, cp.Text.Key(), &local)
	case cp.Category == protocol.CategoryGameBinaryPacket && cp.Game != nil:
		local.Packet = cp.Game
		return r.Dispatch(ctx, ClassGamePacket, PacketKey(cp.Game.Type), &local)
	default:
		return false
	}
}
