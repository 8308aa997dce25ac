package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Mock implementations for testing

// mockHandler records every mutating call and can be told to fail, panic
// or refuse in-place replacement per entry ID.
type mockHandler struct {
	FieldPolicy

	name string
	log  *callLog

	// failOn maps entry IDs to the error their mutating call returns
	failOn map[string]error

	// panicOn lists entry IDs whose mutating call panics
	panicOn map[string]bool

	// failDeleteOn maps entry IDs to the error only their Delete returns
	failDeleteOn map[string]error

	// onEnter is called with the operation and entry ID of every mutating call
	onEnter func(op, id string)

	// nilUpdate makes Update return a nil result
	nilUpdate bool

	// replaceLive makes Replace return *ReplaceResourceError
	replaceLive bool

	// delay is slept in every mutating call
	delay time.Duration

	active    int32
	maxActive int32

	mu       sync.Mutex
	seenDeps map[string][]*Entry
}

// callLog is shared between handlers so tests can assert global ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// index returns the position of call in the log, or -1.
func (l *callLog) index(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

func newMockHandler(name string, log *callLog) *mockHandler {
	return &mockHandler{
		name:         name,
		log:          log,
		failOn:       make(map[string]error),
		panicOn:      make(map[string]bool),
		failDeleteOn: make(map[string]error),
		seenDeps:     make(map[string][]*Entry),
	}
}

func (h *mockHandler) enter(op string, e *Entry, sc *StepContext) error {
	n := atomic.AddInt32(&h.active, 1)
	for {
		peak := atomic.LoadInt32(&h.maxActive)
		if n <= peak || atomic.CompareAndSwapInt32(&h.maxActive, peak, n) {
			break
		}
	}
	defer atomic.AddInt32(&h.active, -1)

	h.log.add(op + ":" + e.ID)
	if h.onEnter != nil {
		h.onEnter(op, e.ID)
	}
	h.mu.Lock()
	h.seenDeps[e.ID] = sc.Dependencies()
	h.mu.Unlock()

	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if h.panicOn[e.ID] {
		panic("boom " + e.ID)
	}
	return h.failOn[e.ID]
}

func (h *mockHandler) deps(id string) []*Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seenDeps[id]
}

func (h *mockHandler) Create(ctx context.Context, candidate *Entry, sc *StepContext) (json.RawMessage, error) {
	if err := h.enter("create", candidate, sc); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"created":%q}`, candidate.ID)), nil
}

func (h *mockHandler) Update(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error) {
	if err := h.enter("update", candidate, sc); err != nil {
		return nil, err
	}
	if h.nilUpdate {
		return nil, nil
	}
	return json.RawMessage(fmt.Sprintf(`{"updated":%q}`, candidate.ID)), nil
}

func (h *mockHandler) Replace(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error) {
	if h.replaceLive {
		h.log.add("replace-refused:" + candidate.ID)
		return nil, &ReplaceResourceError{Type: candidate.Type, CandidateID: candidate.ID, CurrentID: current.ID}
	}
	if err := h.enter("replace", candidate, sc); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"replaced":%q}`, candidate.ID)), nil
}

func (h *mockHandler) Delete(ctx context.Context, current *Entry, sc *StepContext) error {
	if err := h.enter("delete", current, sc); err != nil {
		return err
	}
	return h.failDeleteOn[current.ID]
}

// memoryBackend is an in-memory StateBackend.
type memoryBackend struct {
	mu      sync.Mutex
	entries EntryStates
	locked  bool
	saves   int
	saveErr error
}

func (b *memoryBackend) Load(ctx context.Context) (EntryStates, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		return EntryStates{}, nil
	}
	return b.entries.Clone(), nil
}

func (b *memoryBackend) Save(ctx context.Context, entries EntryStates) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves++
	b.entries = entries.Clone()
	return nil
}

func (b *memoryBackend) Lock(ctx context.Context, info LockInfo) (UnlockFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return nil, NewStateLockedError(LockInfo{}, nil)
	}
	b.locked = true
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.locked = false
		return nil
	}, nil
}

func (b *memoryBackend) Name() string { return "memory" }

// memoryRecorder is an in-memory RunRecorder.
type memoryRecorder struct {
	runs     []Run
	outcomes map[string][]StepOutcome
}

func (r *memoryRecorder) RecordRun(ctx context.Context, run *Run, outcomes []StepOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.outcomes == nil {
		r.outcomes = make(map[string][]StepOutcome)
	}
	r.runs = append([]Run{*run}, r.runs...)
	r.outcomes[run.ID] = outcomes
	return nil
}

func (r *memoryRecorder) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit > 0 && limit < len(r.runs) {
		return r.runs[:limit], nil
	}
	return r.runs, nil
}

func (r *memoryRecorder) GetRunOutcomes(ctx context.Context, runID string) ([]StepOutcome, error) {
	return r.outcomes[runID], nil
}

// gateFunc adapts a function to PlanGate.
type gateFunc func(plan *Plan) error

func (f gateFunc) Check(ctx context.Context, plan *Plan, desired, prior EntryStates) error {
	return f(plan)
}

// Test helpers

func newEntry(id, entryType, params string, deps ...string) *Entry {
	e := &Entry{ID: id, Type: entryType, Dependencies: deps}
	if params != "" {
		e.Parameters = json.RawMessage(params)
	}
	return e
}

func withResult(e *Entry, result string) *Entry {
	e.Result = json.RawMessage(result)
	return e
}

func newGraph(entries ...*Entry) EntryStates {
	g := make(EntryStates, len(entries))
	for _, e := range entries {
		g[e.ID] = e
	}
	return g
}

func newTestRegistry(t *testing.T, handlers ...*mockHandler) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, h := range handlers {
		if err := r.Register(h.name, h); err != nil {
			t.Fatalf("Failed to register handler %s: %v", h.name, err)
		}
	}
	return r
}

func mustPlan(t *testing.T, reg *Registry, desired, prior EntryStates) *Plan {
	t.Helper()
	plan, err := NewPlanner(reg).Plan(context.Background(), desired, prior)
	if err != nil {
		t.Fatalf("Expected no planning error, got: %v", err)
	}
	return plan
}

func mustApply(t *testing.T, exec *Executor, plan *Plan, desired, prior EntryStates) *ApplyResult {
	t.Helper()
	result, err := exec.Apply(context.Background(), plan, desired, prior)
	if err != nil {
		t.Fatalf("Expected no apply error, got: %v", err)
	}
	return result
}

// stepActions renders a plan as "id:action@order" strings in plan order.
func stepActions(plan *Plan) []string {
	out := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, fmt.Sprintf("%s:%s@%d", s.EntryID, s.Action, s.Order))
	}
	return out
}

func errorEntries(errs []error) []string {
	var ids []string
	for _, err := range errs {
		var se *StepError
		if errors.As(err, &se) {
			ids = append(ids, se.EntryID)
		}
	}
	sort.Strings(ids)
	return ids
}
