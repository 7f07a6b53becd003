package plan

import (
	"errors"
	"testing"

	"github.com/linki/msk-oneclick/internal/registry"
)

func mustRegistry(t *testing.T, stacks ...registry.Descriptor) *registry.Registry {
	t.Helper()
	reg, err := registry.New(stacks...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func names(p *Plan) []string {
	out := make([]string, len(p.Stacks))
	for i, d := range p.Stacks {
		out[i] = d.Name
	}
	return out
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	// Declared in reverse dependency order on purpose.
	reg := mustRegistry(t,
		registry.Descriptor{Name: "c", TemplateBody: "{}", Params: []registry.ParamBinding{
			{Key: "Y", SourceStack: "b", SourceOutput: "y"},
		}},
		registry.Descriptor{Name: "b", TemplateBody: "{}", Outputs: []string{"y"}, Params: []registry.ParamBinding{
			{Key: "X", SourceStack: "a", SourceOutput: "x"},
		}},
		registry.Descriptor{Name: "a", TemplateBody: "{}", Outputs: []string{"x"}},
	)

	p, err := Resolve(reg)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	got := names(p)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: want %q, got %q (order %v)", i, want[i], got[i], got)
		}
	}
}

func TestResolveBreaksTiesByDeclarationOrder(t *testing.T) {
	reg := mustRegistry(t,
		registry.Descriptor{Name: "beta", TemplateBody: "{}"},
		registry.Descriptor{Name: "alpha", TemplateBody: "{}"},
		registry.Descriptor{Name: "gamma", TemplateBody: "{}"},
	)

	p, err := Resolve(reg)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	got := names(p)
	want := []string{"beta", "alpha", "gamma"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ties must follow declaration order, got %v", got)
		}
	}
}

func TestResolveIsStable(t *testing.T) {
	reg := mustRegistry(t,
		registry.Descriptor{Name: "a", TemplateBody: "{}", Outputs: []string{"x"}},
		registry.Descriptor{Name: "b", TemplateBody: "{}"},
		registry.Descriptor{Name: "c", TemplateBody: "{}", Params: []registry.ParamBinding{
			{Key: "X", SourceStack: "a", SourceOutput: "x"},
		}},
	)

	first, err := Resolve(reg)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	second, err := Resolve(reg)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	a, b := names(first), names(second)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order not stable: %v vs %v", a, b)
		}
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	reg := mustRegistry(t,
		registry.Descriptor{Name: "a", TemplateBody: "{}", Outputs: []string{"x"}, Params: []registry.ParamBinding{
			{Key: "Y", SourceStack: "b", SourceOutput: "y"},
		}},
		registry.Descriptor{Name: "b", TemplateBody: "{}", Outputs: []string{"y"}, Params: []registry.ParamBinding{
			{Key: "X", SourceStack: "a", SourceOutput: "x"},
		}},
	)

	_, err := Resolve(reg)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("want ErrCyclicDependency, got %v", err)
	}
}

func TestResolveDefaultRegistry(t *testing.T) {
	p, err := Resolve(registry.Default("demo"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	got := names(p)
	want := []string{"demo-network", "demo-cluster", "demo-client", "demo-testdoc"}
	if len(got) != len(want) {
		t.Fatalf("want %d stacks, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestBindParameters(t *testing.T) {
	desc := registry.Descriptor{
		Name: "b",
		Params: []registry.ParamBinding{
			{Key: "VpcId", SourceStack: "a", SourceOutput: "VpcId"},
			{Key: "KafkaVersion", Value: "3.6.0"},
			{Key: "Optional"},
		},
	}

	prior := map[string]string{
		OutputKey("a", "VpcId"): "vpc-123",
	}

	params, err := BindParameters(desc, prior)
	if err != nil {
		t.Fatalf("BindParameters returned error: %v", err)
	}
	if params["VpcId"] != "vpc-123" {
		t.Errorf("VpcId: want vpc-123, got %q", params["VpcId"])
	}
	if params["KafkaVersion"] != "3.6.0" {
		t.Errorf("KafkaVersion default not applied, got %q", params["KafkaVersion"])
	}
	if _, ok := params["Optional"]; ok {
		t.Errorf("unset optional parameter must be left to the template default")
	}
}

func TestBindParametersCallerOverridesDefault(t *testing.T) {
	desc := registry.Descriptor{
		Name: "b",
		Params: []registry.ParamBinding{
			{Key: "KafkaVersion", Value: "3.6.0"},
		},
	}

	params, err := BindParameters(desc, map[string]string{"KafkaVersion": "3.7.0"})
	if err != nil {
		t.Fatalf("BindParameters returned error: %v", err)
	}
	if params["KafkaVersion"] != "3.7.0" {
		t.Errorf("caller value must win over binding default, got %q", params["KafkaVersion"])
	}
}

func TestBindParametersMissingUpstreamOutput(t *testing.T) {
	desc := registry.Descriptor{
		Name: "b",
		Params: []registry.ParamBinding{
			{Key: "VpcId", SourceStack: "a", SourceOutput: "VpcId"},
		},
	}

	_, err := BindParameters(desc, map[string]string{})
	if !errors.Is(err, ErrMissingUpstreamOutput) {
		t.Fatalf("want ErrMissingUpstreamOutput, got %v", err)
	}
}
