package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"

	"github.com/linki/msk-oneclick/internal/plan"
	"github.com/linki/msk-oneclick/internal/registry"
	"github.com/linki/msk-oneclick/internal/stack"
)

type fakeLifecycle struct {
	deployResults   map[string]stack.Result
	teardownResults map[string]stack.Result

	deployed   []string
	toreDown   []string
	lastParams map[string]map[string]string
}

func (f *fakeLifecycle) Deploy(_ context.Context, desc registry.Descriptor, params map[string]string) stack.Result {
	f.deployed = append(f.deployed, desc.Name)
	if f.lastParams == nil {
		f.lastParams = map[string]map[string]string{}
	}
	f.lastParams[desc.Name] = params

	if res, ok := f.deployResults[desc.Name]; ok {
		return res
	}
	return stack.Result{StackName: desc.Name, Operation: stack.OpCreate, Status: stack.StatusSucceeded}
}

func (f *fakeLifecycle) Teardown(_ context.Context, desc registry.Descriptor) stack.Result {
	f.toreDown = append(f.toreDown, desc.Name)
	if res, ok := f.teardownResults[desc.Name]; ok {
		return res
	}
	return stack.Result{StackName: desc.Name, Operation: stack.OpDelete, Status: stack.StatusSucceeded}
}

// chainPlan builds the A -> B -> C chain where B sources A's output x and C
// sources B's output y.
func chainPlan(t *testing.T) *plan.Plan {
	t.Helper()
	reg, err := registry.New(
		registry.Descriptor{Name: "a", TemplateBody: "{}", Outputs: []string{"x"}},
		registry.Descriptor{Name: "b", TemplateBody: "{}", Outputs: []string{"y"}, Params: []registry.ParamBinding{
			{Key: "X", SourceStack: "a", SourceOutput: "x"},
		}},
		registry.Descriptor{Name: "c", TemplateBody: "{}", Params: []registry.ParamBinding{
			{Key: "Y", SourceStack: "b", SourceOutput: "y"},
		}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p, err := plan.Resolve(reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return p
}

func newDriver(lc Lifecycle) *Driver {
	return &Driver{Stacks: lc, Log: logr.Discard()}
}

func TestDeployThreadsOutputsDownstream(t *testing.T) {
	lc := &fakeLifecycle{
		deployResults: map[string]stack.Result{
			"a": {StackName: "a", Operation: stack.OpCreate, Status: stack.StatusSucceeded, Outputs: map[string]string{"x": "1"}},
			"b": {StackName: "b", Operation: stack.OpCreate, Status: stack.StatusSucceeded, Outputs: map[string]string{"y": "2"}},
		},
	}

	report := newDriver(lc).Deploy(context.Background(), chainPlan(t), nil)

	if report.Outcome != OutcomeAllSucceeded {
		t.Fatalf("want all-succeeded, got %s (err %v)", report.Outcome, report.Err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("want 3 results, got %d", len(report.Results))
	}
	if lc.lastParams["b"]["X"] != "1" {
		t.Errorf("b must receive a's output x, got %v", lc.lastParams["b"])
	}
	if lc.lastParams["c"]["Y"] != "2" {
		t.Errorf("c must receive b's output y, got %v", lc.lastParams["c"])
	}
	if report.Outputs[plan.OutputKey("a", "x")] != "1" {
		t.Errorf("report must carry namespaced outputs, got %v", report.Outputs)
	}
}

func TestDeployAbortsAfterFailedStack(t *testing.T) {
	lc := &fakeLifecycle{
		deployResults: map[string]stack.Result{
			"a": {StackName: "a", Operation: stack.OpCreate, Status: stack.StatusFailed, Err: errors.New("boom")},
		},
	}

	report := newDriver(lc).Deploy(context.Background(), chainPlan(t), nil)

	if report.Outcome != OutcomeAborted {
		t.Fatalf("want aborted, got %s", report.Outcome)
	}
	if len(report.Results) != 1 {
		t.Fatalf("want exactly one result, got %d", len(report.Results))
	}
	if len(lc.deployed) != 1 || lc.deployed[0] != "a" {
		t.Errorf("b and c must never be attempted, deployed: %v", lc.deployed)
	}
}

func TestDeployAbortsOnBindingFailure(t *testing.T) {
	// a succeeds but does not publish the output b was promised.
	lc := &fakeLifecycle{
		deployResults: map[string]stack.Result{
			"a": {StackName: "a", Operation: stack.OpCreate, Status: stack.StatusSucceeded},
		},
	}

	report := newDriver(lc).Deploy(context.Background(), chainPlan(t), nil)

	if report.Outcome != OutcomeAborted {
		t.Fatalf("want aborted, got %s", report.Outcome)
	}
	if !errors.Is(report.Err, plan.ErrMissingUpstreamOutput) {
		t.Errorf("want ErrMissingUpstreamOutput, got %v", report.Err)
	}
	if len(report.Results) != 1 {
		t.Errorf("only a's result belongs in the report, got %d", len(report.Results))
	}
}

func TestDeploySeedsInitialParams(t *testing.T) {
	reg, err := registry.New(
		registry.Descriptor{Name: "a", TemplateBody: "{}", Params: []registry.ParamBinding{
			{Key: "VpcCidr", Value: "10.30.0.0/16"},
		}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p, err := plan.Resolve(reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	lc := &fakeLifecycle{}
	newDriver(lc).Deploy(context.Background(), p, map[string]string{"VpcCidr": "172.16.0.0/16"})

	if lc.lastParams["a"]["VpcCidr"] != "172.16.0.0/16" {
		t.Errorf("caller-supplied parameter must win, got %v", lc.lastParams["a"])
	}
}

func TestTeardownWalksReverseAndContinues(t *testing.T) {
	lc := &fakeLifecycle{
		teardownResults: map[string]stack.Result{
			"b": {StackName: "b", Operation: stack.OpDelete, Status: stack.StatusFailed, Err: errors.New("stuck")},
		},
	}

	report := newDriver(lc).Teardown(context.Background(), chainPlan(t))

	if report.Outcome != OutcomePartialFailure {
		t.Fatalf("want partial-failure, got %s", report.Outcome)
	}
	if len(report.Results) != 3 {
		t.Fatalf("every stack must be attempted, got %d results", len(report.Results))
	}

	want := []string{"c", "b", "a"}
	for i := range want {
		if lc.toreDown[i] != want[i] {
			t.Fatalf("teardown order must be exact reverse, got %v", lc.toreDown)
		}
	}
}

func TestTeardownAllSucceeded(t *testing.T) {
	lc := &fakeLifecycle{
		teardownResults: map[string]stack.Result{
			"c": {StackName: "c", Operation: stack.OpNoop, Status: stack.StatusSucceeded},
		},
	}

	report := newDriver(lc).Teardown(context.Background(), chainPlan(t))

	if report.Outcome != OutcomeAllSucceeded {
		t.Fatalf("a no-op deletion is a success, got %s", report.Outcome)
	}
}
