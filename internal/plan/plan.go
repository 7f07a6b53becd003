/*
MIT License

Copyright (c) 2018 Martin Linkhorst
Copyright (c) 2021 Stephen Cuppett

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package plan computes the deployment order for a registry and binds each
// stack's parameters from the outputs its dependencies produced.
package plan

import (
	"errors"
	"fmt"

	"github.com/linki/msk-oneclick/internal/registry"
)

var (
	// ErrCyclicDependency means no valid deployment order exists. Raised
	// pre-flight, before any cloud call.
	ErrCyclicDependency = errors.New("cyclic stack dependency")

	// ErrMissingUpstreamOutput means an upstream stack did not expose an
	// output a downstream stack was promised. The plan must abort rather
	// than send an incomplete request downstream.
	ErrMissingUpstreamOutput = errors.New("missing upstream output")
)

// Plan is a total order over the registry: every stack appears after all
// stacks it sources parameters from.
type Plan struct {
	Stacks []registry.Descriptor
}

// Resolve computes the deployment order. Ties among independent stacks are
// broken by registry declaration order so repeated runs are reproducible.
func Resolve(reg *registry.Registry) (*Plan, error) {
	stacks := reg.Stacks()

	deps := make(map[string]map[string]bool, len(stacks))
	for _, d := range stacks {
		set := map[string]bool{}
		for _, b := range d.Params {
			if b.FromStack() {
				set[b.SourceStack] = true
			}
		}
		deps[d.Name] = set
	}

	placed := make(map[string]bool, len(stacks))
	ordered := make([]registry.Descriptor, 0, len(stacks))

	for len(ordered) < len(stacks) {
		progressed := false
		for _, d := range stacks {
			if placed[d.Name] {
				continue
			}
			ready := true
			for dep := range deps[d.Name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[d.Name] = true
				ordered = append(ordered, d)
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for _, d := range stacks {
				if !placed[d.Name] {
					stuck = append(stuck, d.Name)
				}
			}
			return nil, fmt.Errorf("%w: no valid order for %v", ErrCyclicDependency, stuck)
		}
	}

	return &Plan{Stacks: ordered}, nil
}

// OutputKey namespaces a stack output in the accumulated parameter map.
func OutputKey(stack, output string) string {
	return stack + "." + output
}

// BindParameters resolves a descriptor's parameters from the accumulated
// prior outputs. Caller-supplied values live in prior under their bare key
// and take precedence over binding defaults; a parameter with neither is
// left to the template's own default.
func BindParameters(desc registry.Descriptor, prior map[string]string) (map[string]string, error) {
	params := map[string]string{}
	for _, b := range desc.Params {
		if b.FromStack() {
			v, ok := prior[OutputKey(b.SourceStack, b.SourceOutput)]
			if !ok {
				return nil, fmt.Errorf("%w: stack %q needs %s.%s",
					ErrMissingUpstreamOutput, desc.Name, b.SourceStack, b.SourceOutput)
			}
			params[b.Key] = v
			continue
		}
		if v, ok := prior[b.Key]; ok {
			params[b.Key] = v
		} else if b.Value != "" {
			params[b.Key] = b.Value
		}
	}
	return params, nil
}
