package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/policy/logger"
)

// ============================================================================
// EVENTS
// ============================================================================

// EventKind classifies engine events.
type EventKind string

const (
	EventNotify   EventKind = "notify"
	EventDecision EventKind = "decision"
	EventCheck    EventKind = "check"
)

// Event is an asynchronous engine notification. Delivery is best
// effort: when the buffer is full the event is dropped, evaluation is
// never blocked on a sink.
type Event struct {
	ID      string         `json:"id"`
	Kind    EventKind      `json:"kind"`
	RuleID  string         `json:"rule_id,omitempty"`
	TreeID  string         `json:"tree_id,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	Subject *Subject       `json:"subject,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	At      time.Time      `json:"at"`
}

// EventSink receives engine events. Sink errors are logged and
// swallowed.
type EventSink interface {
	Record(ctx context.Context, e Event) error
}

// LoggerSink writes events through a Logger, the default sink.
type LoggerSink struct {
	Log logger.Logger
}

func (s LoggerSink) Record(_ context.Context, e Event) error {
	s.Log.Info("event", "kind", string(e.Kind), "rule", e.RuleID, "tree", e.TreeID, "user", e.UserID, "detail", e.Detail)
	return nil
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine composes the condition, rule, tree and permission engines
// behind one entry point.
type Engine struct {
	conds *ConditionEngine
	rules *RuleEngine
	trees *TreeEngine
	perms *PermissionEngine

	log    logger.Logger
	sink   EventSink
	events chan Event
	wg     sync.WaitGroup

	// closeMu orders Emit's send against Close closing the channel.
	closeMu sync.RWMutex
	closed  bool
	once    sync.Once
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	log           logger.Logger
	roleStore     RoleStore
	assignments   AssignmentStore
	runner        ScriptRunner
	sink          EventSink
	cacheCapacity int
	roleTTL       time.Duration
	checkTTL      time.Duration
	effectiveTTL  time.Duration
	eventBuffer   int
	defaultRules  bool
	defaultTrees  bool
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(l logger.Logger) Option {
	return func(c *engineConfig) { c.log = l }
}

// WithRoleStore wires the role directory.
func WithRoleStore(s RoleStore) Option {
	return func(c *engineConfig) { c.roleStore = s }
}

// WithAssignmentStore wires the user-role assignment directory.
func WithAssignmentStore(s AssignmentStore) Option {
	return func(c *engineConfig) { c.assignments = s }
}

// WithScriptRunner installs the script runner for script conditions and
// permission predicates.
func WithScriptRunner(r ScriptRunner) Option {
	return func(c *engineConfig) { c.runner = r }
}

// WithEventSink replaces the default logger-backed sink.
func WithEventSink(s EventSink) Option {
	return func(c *engineConfig) { c.sink = s }
}

// WithCacheCapacity bounds each permission cache store.
func WithCacheCapacity(n int) Option {
	return func(c *engineConfig) { c.cacheCapacity = n }
}

// WithCacheTTLs overrides the role, check and effective-permission
// cache TTLs. Zero keeps a default.
func WithCacheTTLs(role, check, effective time.Duration) Option {
	return func(c *engineConfig) {
		c.roleTTL, c.checkTTL, c.effectiveTTL = role, check, effective
	}
}

// WithEventBuffer sizes the async event channel.
func WithEventBuffer(n int) Option {
	return func(c *engineConfig) { c.eventBuffer = n }
}

// WithDefaultRules installs the stock rule set.
func WithDefaultRules() Option {
	return func(c *engineConfig) { c.defaultRules = true }
}

// WithDefaultTrees installs the stock decision trees.
func WithDefaultTrees() Option {
	return func(c *engineConfig) { c.defaultTrees = true }
}

// New builds an Engine. Without options it runs fully in memory with a
// null logger and an expr-lang script runner.
func New(opts ...Option) (*Engine, error) {
	cfg := &engineConfig{
		log:         logger.NewNullLogger(),
		eventBuffer: 256,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.roleStore == nil {
		cfg.roleStore = NewMemoryRoleStore()
	}
	if cfg.assignments == nil {
		cfg.assignments = NewMemoryAssignmentStore()
	}
	if cfg.runner == nil {
		runner, err := NewExprRunner()
		if err != nil {
			return nil, err
		}
		cfg.runner = runner
	}
	if cfg.sink == nil {
		cfg.sink = LoggerSink{Log: cfg.log}
	}
	if cfg.eventBuffer <= 0 {
		cfg.eventBuffer = 256
	}

	conds := NewConditionEngine()
	conds.SetLogger(cfg.log)
	conds.SetScriptRunner(cfg.runner)

	rules := NewRuleEngine(conds)
	rules.SetLogger(cfg.log)

	trees := NewTreeEngine(conds)
	trees.SetLogger(cfg.log)

	perms := NewPermissionEngine(cfg.roleStore, cfg.assignments, conds, cfg.cacheCapacity)
	perms.SetLogger(cfg.log)
	perms.SetCacheTTLs(cfg.roleTTL, cfg.checkTTL, cfg.effectiveTTL)

	e := &Engine{
		conds:  conds,
		rules:  rules,
		trees:  trees,
		perms:  perms,
		log:    cfg.log,
		sink:   cfg.sink,
		events: make(chan Event, cfg.eventBuffer),
	}
	rules.setEmitter(e.Emit)

	if cfg.defaultRules {
		for _, r := range DefaultRules() {
			if err := rules.AddRule(r); err != nil {
				return nil, err
			}
		}
	}
	if cfg.defaultTrees {
		for _, t := range DefaultTrees() {
			if err := trees.CreateTree(t); err != nil {
				return nil, err
			}
		}
	}

	e.wg.Add(1)
	go e.consumeEvents()
	return e, nil
}

// Subsystem accessors.
func (e *Engine) Conditions() *ConditionEngine   { return e.conds }
func (e *Engine) Rules() *RuleEngine             { return e.rules }
func (e *Engine) Trees() *TreeEngine             { return e.trees }
func (e *Engine) Permissions() *PermissionEngine { return e.perms }

// Emit queues an event without blocking; full buffer drops it.
func (e *Engine) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.log.Debug("event dropped, buffer full", "kind", string(ev.Kind))
	}
}

func (e *Engine) consumeEvents() {
	defer e.wg.Done()
	for ev := range e.events {
		if err := e.sink.Record(context.Background(), ev); err != nil {
			e.log.Error("event sink failed", "kind", string(ev.Kind), "error", err.Error())
		}
	}
}

// Close drains the event channel and stops the consumer. Safe to call
// concurrently with Emit and more than once.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		close(e.events)
		e.closeMu.Unlock()
		e.wg.Wait()
	})
}

// ============================================================================
// TOP-LEVEL OPERATIONS
// ============================================================================

// EvaluateApproval runs the rule engine and, when rules stay pending,
// lets the best applicable decision tree refine the outcome.
func (e *Engine) EvaluateApproval(ctx context.Context, ec *EvalContext) *DecisionOutcome {
	out := e.rules.Decide(ec)
	if out.Decision == DecisionPending {
		if tr, err := e.trees.ExecuteBest(ec); err == nil {
			out.Decision = tr.Decision
			out.Confidence = tr.Confidence
			out.Reasons = append(out.Reasons, "decision tree "+tr.TreeID)
		}
	}
	ev := Event{Kind: EventDecision, Detail: string(out.Decision)}
	if ec != nil {
		ev.Subject = ec.Subject
	}
	e.Emit(ev)
	return out
}

// CheckPermission answers a single access question.
func (e *Engine) CheckPermission(ctx context.Context, userID string, req CheckRequest) bool {
	allowed := e.perms.Check(ctx, userID, req)
	e.Emit(Event{
		Kind:   EventCheck,
		UserID: userID,
		Detail: req.ResourceType + ":" + req.ResourceID + ":" + string(req.Action),
		Meta:   map[string]any{"allowed": allowed},
	})
	return allowed
}
