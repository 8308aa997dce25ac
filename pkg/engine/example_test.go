package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/stateful/pkg/engine"
)

// directoryHandler manages directories by path. Changing the path
// recreates the directory.
type directoryHandler struct {
	engine.FieldPolicy
}

func newDirectoryHandler() *directoryHandler {
	return &directoryHandler{FieldPolicy: engine.FieldPolicy{Immutable: []string{"path"}}}
}

func (h *directoryHandler) Create(ctx context.Context, candidate *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := candidate.DecodeParameters(&p); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"created": p.Path})
}

func (h *directoryHandler) Update(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	return nil, nil
}

func (h *directoryHandler) Replace(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	return h.Create(ctx, candidate, sc)
}

func (h *directoryHandler) Delete(ctx context.Context, current *engine.Entry, sc *engine.StepContext) error {
	return nil
}

// Example_createOrdering shows a dependent created one level after its dependency.
func Example_createOrdering() {
	registry := engine.NewRegistry()
	registry.MustRegister("dir", newDirectoryHandler())

	desired := engine.EntryStates{
		"A": {ID: "A", Type: "dir", Parameters: json.RawMessage(`{"path":"/srv"}`)},
		"B": {ID: "B", Type: "dir", Parameters: json.RawMessage(`{"path":"/srv/www"}`), Dependencies: []string{"A"}},
	}

	plan, err := engine.NewPlanner(registry).Plan(context.Background(), desired, nil)
	if err != nil {
		panic(err)
	}
	for _, step := range plan.Steps {
		fmt.Printf("%s %s order=%d\n", step.Action, step.EntryID, step.Order)
	}

	result, _ := engine.NewExecutor(registry).Apply(context.Background(), plan, desired, nil)
	fmt.Println(string(result.Entries["B"].Result))

	// Output:
	// create A order=0
	// create B order=1
	// {"created":"/srv/www"}
}

// Example_deleteOrdering shows dependents torn down before their dependencies.
func Example_deleteOrdering() {
	registry := engine.NewRegistry()
	registry.MustRegister("dir", newDirectoryHandler())

	prior := engine.EntryStates{
		"A": {ID: "A", Type: "dir", Parameters: json.RawMessage(`{"path":"/srv"}`)},
		"B": {ID: "B", Type: "dir", Parameters: json.RawMessage(`{"path":"/srv/www"}`), Dependencies: []string{"A"}},
	}

	plan, _ := engine.NewPlanner(registry).Plan(context.Background(), engine.EntryStates{}, prior)
	for _, step := range plan.Steps {
		fmt.Printf("%s %s order=%d\n", step.Action, step.EntryID, step.Order)
	}

	// Output:
	// delete B order=0
	// delete A order=1
}

// Example_errorHandling demonstrates inspecting planning errors.
func Example_errorHandling() {
	registry := engine.NewRegistry()
	registry.MustRegister("dir", newDirectoryHandler())

	desired := engine.EntryStates{
		"B": {ID: "B", Type: "dir", Dependencies: []string{"A"}},
	}
	_, err := engine.NewPlanner(registry).Plan(context.Background(), desired, nil)

	var csr *engine.CorruptedStateReferencesError
	if errors.As(err, &csr) {
		fmt.Printf("%s depends on missing %s\n", csr.EntryID, csr.MissingDependencyID)
	}
	fmt.Println(engine.IsPermanent(err), engine.IsRetryable(err))

	// Output:
	// B depends on missing A
	// true false
}

// Example_renderPlan prints a plan the way the CLI does.
func Example_renderPlan() {
	registry := engine.NewRegistry()
	registry.MustRegister("dir", newDirectoryHandler())

	prior := engine.EntryStates{
		"www": {ID: "www", Type: "dir", Parameters: json.RawMessage(`{"path":"/srv/www"}`), Result: json.RawMessage(`{}`)},
	}
	desired := engine.EntryStates{
		"www": {ID: "www", Type: "dir", Parameters: json.RawMessage(`{"path":"/var/www"}`)},
	}

	plan, _ := engine.NewPlanner(registry).Plan(context.Background(), desired, prior)
	fmt.Print(engine.RenderPlan(plan))

	// Output:
	// Level 0:
	//   -/+ www (dir) must be replaced
	//         ~ path: "/srv/www" -> "/var/www"
	//
	// Plan: 0 to create, 0 to update, 1 to replace, 0 to delete.
}
