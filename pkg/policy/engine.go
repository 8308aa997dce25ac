package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Engine evaluates Rego policies against plans. It implements
// engine.PlanGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store

	builtins  bool
	threshold int
	disabled  map[string]bool
	pctx      PolicyContext
	paths     []string
}

var _ engine.PlanGate = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithoutBuiltins skips loading the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.builtins = false
	}
}

// WithMassDeletionThreshold sets the deletion count above which
// mass-deletion warns. Zero turns the check off.
func WithMassDeletionThreshold(n int) Option {
	return func(e *Engine) {
		e.threshold = n
	}
}

// WithDisabled disables policies by name, including ones loaded later.
func WithDisabled(names ...string) Option {
	return func(e *Engine) {
		for _, n := range names {
			e.disabled[n] = true
		}
	}
}

// WithPolicyContext sets the context document passed to every evaluation.
func WithPolicyContext(pctx PolicyContext) Option {
	return func(e *Engine) {
		e.pctx = pctx
	}
}

// NewEngine creates a new policy engine.
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		builtins:  true,
		threshold: DefaultMassDeletionThreshold,
		disabled:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = inmem.NewFromObject(map[string]interface{}{
		"stateful": map[string]interface{}{
			"config": map[string]interface{}{
				"mass_deletion_threshold": e.threshold,
			},
		},
	})

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Check evaluates every enabled policy against the plan and returns an
// error classified with engine.ErrCodePolicyViolation when any violation
// is blocking. Each violation is logged, counted and published.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan, desired, prior engine.EntryStates) error {
	result, err := e.EvaluatePlan(ctx, plan, desired, prior)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).WithOperation("policy")
	}
	e.report(ctx, result)

	blocking := result.Blocking()
	if len(blocking) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(blocking))
	for _, v := range blocking {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewPermanentError(
		fmt.Sprintf("plan blocked by %d policy violation(s): %s", len(blocking), strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithOperation("policy").
		WithDetail("violations", blocking)
}

// report logs each violation and records it in metrics and events.
func (e *Engine) report(ctx context.Context, result *PolicyResult) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("policy-engine")
	tel := telemetry.FromTelemetryContext(ctx)

	for _, w := range result.Warnings {
		logger.Warn(w)
	}
	for _, v := range result.Violations {
		l := logger.WithFields(map[string]interface{}{
			"policy":   v.Policy,
			"severity": string(v.Severity),
			"entry_id": v.EntryID,
		})
		if v.Severity.IsBlocking() {
			l.Error(v.Message)
		} else {
			l.Warn(v.Message)
		}

		if tel != nil {
			tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
			_ = tel.Events.PublishPolicyViolation(v.EntryID, v.Policy, string(v.Severity), v.Message)
		}
	}
}

// EvaluatePlan evaluates every enabled policy against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, desired, prior engine.EntryStates) (*PolicyResult, error) {
	return e.Evaluate(ctx, NewPolicyInput(plan, desired, prior, e.pctx))
}

// Evaluate evaluates every enabled policy against an input document.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is nil")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	logger := telemetry.FromContext(ctx).NewComponentLogger("policy-engine")
	startTime := time.Now()

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: []string{},
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			logger.WithError(err).WithField("policy", name).Error("policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		a, b := result.Violations[i], result.Violations[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.EntryID != b.EntryID {
			return a.EntryID < b.EntryID
		}
		return a.Message < b.Message
	})
	for _, v := range result.Violations {
		if v.Severity.IsBlocking() {
			result.Allowed = false
			break
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)
	logger.WithFields(map[string]interface{}{
		"policies":   len(result.EvaluatedPolicies),
		"violations": len(result.Violations),
		"duration":   result.Duration.String(),
	}).Debug("plan policy evaluation completed")

	return result, nil
}

// evaluatePolicy queries the deny set of a compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// Sets are returned as slices.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("deny must be a set, got %T", result.Expressions[0].Value)
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a PolicyViolation from one deny value. Strings
// become the message; objects may set message, severity, entry and
// remediation, and the rest is kept as details.
func createViolation(policy *Policy, value interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := value.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, field := range v {
			s, isString := field.(string)
			switch {
			case key == "message" && isString:
				violation.Message = s
			case key == "severity" && isString:
				violation.Severity = Severity(s)
			case key == "entry" && isString:
				violation.EntryID = s
			case key == "remediation" && isString:
				violation.Remediation = s
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = field
			}
		}
		if violation.Message == "" {
			violation.Message = fmt.Sprintf("%v", v)
		}
	default:
		violation.Message = fmt.Sprintf("%v", value)
	}
	return violation
}

// LoadPolicies loads policy files and directories and compiles them. A
// policy with the same name as a loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader().LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.paths = append(e.paths, paths...)

	telemetry.FromContext(ctx).NewComponentLogger("policy-engine").
		WithField("count", len(policies)).
		Info("policies loaded")
	return nil
}

// LoadBundle compiles every policy of a JSON bundle.
func (e *Engine) LoadBundle(ctx context.Context, bundlePath string) error {
	bundle, err := NewLoader().LoadBundle(ctx, bundlePath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range bundle.Policies {
		if err := e.compileAndStorePolicy(ctx, &bundle.Policies[i]); err != nil {
			return fmt.Errorf("bundle %s: failed to compile policy %s: %w", bundle.Name, bundle.Policies[i].Name, err)
		}
	}
	return nil
}

// AddPolicy compiles a single policy.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &policy)
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	filename := policy.Name + ".rego"

	module, err := ast.ParseModule(filename, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if e.disabled[policy.Name] {
		policy.Enabled = false
	}
	if _, exists := e.policies[policy.Name]; exists {
		telemetry.FromContext(ctx).NewComponentLogger("policy-engine").
			WithField("policy", policy.Name).
			Info("policy replaced")
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}
	return nil
}

// loadBuiltinPolicies loads the built-in policies. Callers hold mu or own e.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	if !e.builtins {
		return nil
	}
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}

// ReloadPolicies drops every policy and loads the built-ins and the
// previously loaded paths again.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	paths := e.paths
	e.policies = make(map[string]*compiledPolicy)
	e.paths = nil
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, paths)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
