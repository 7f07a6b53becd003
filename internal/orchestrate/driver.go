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

// Package orchestrate walks a resolved plan forward for deploys and in
// reverse for teardowns, aggregating per-stack results into one report.
package orchestrate

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/linki/msk-oneclick/internal/plan"
	"github.com/linki/msk-oneclick/internal/registry"
	"github.com/linki/msk-oneclick/internal/stack"
)

type Outcome string

const (
	OutcomeAllSucceeded   Outcome = "all-succeeded"
	OutcomePartialFailure Outcome = "partial-failure"
	OutcomeAborted        Outcome = "aborted"
)

// Lifecycle is what the driver needs from the stack lifecycle manager.
type Lifecycle interface {
	Deploy(ctx context.Context, desc registry.Descriptor, params map[string]string) stack.Result
	Teardown(ctx context.Context, desc registry.Descriptor) stack.Result
}

// Report aggregates the results of one deploy or teardown invocation.
// Results appear in the order attempted, never reordered. Outputs holds the
// merged, stack-namespaced outputs of every succeeded deploy step.
type Report struct {
	Operation string
	Results   []stack.Result
	Outcome   Outcome
	Outputs   map[string]string
	// Err carries a plan-level abort cause (parameter binding failure or
	// cancellation) that is not attributable to a single stack result.
	Err error
}

type Driver struct {
	Stacks Lifecycle
	Log    logr.Logger
}

// Deploy walks the plan forward, threading each stack's outputs into the
// parameters of its dependents. A binding failure or a failed stack aborts
// the remaining plan; the report keeps everything gathered so far.
func (d *Driver) Deploy(ctx context.Context, p *plan.Plan, initial map[string]string) Report {
	report := Report{
		Operation: "deploy",
		Outcome:   OutcomeAllSucceeded,
		Outputs:   map[string]string{},
	}

	prior := make(map[string]string, len(initial))
	for k, v := range initial {
		prior[k] = v
	}

	for _, desc := range p.Stacks {
		if err := ctx.Err(); err != nil {
			report.Outcome = OutcomeAborted
			report.Err = err
			return report
		}

		params, err := plan.BindParameters(desc, prior)
		if err != nil {
			d.Log.Error(err, "aborting deploy", "stack", desc.Name)
			report.Outcome = OutcomeAborted
			report.Err = err
			return report
		}

		res := d.Stacks.Deploy(ctx, desc, params)
		report.Results = append(report.Results, res)

		if res.Status != stack.StatusSucceeded {
			// Later stacks cannot be correctly parameterized once an
			// upstream deploy failed.
			report.Outcome = OutcomeAborted
			return report
		}

		for key, value := range res.Outputs {
			namespaced := plan.OutputKey(desc.Name, key)
			prior[namespaced] = value
			report.Outputs[namespaced] = value
		}
	}

	return report
}

// Teardown walks the plan in exact reverse order. A failed deletion never
// aborts the walk: stacks are frequently independently deletable and an
// operator wants maximum cleanup even if one resource is stuck.
func (d *Driver) Teardown(ctx context.Context, p *plan.Plan) Report {
	report := Report{Operation: "teardown", Outcome: OutcomeAllSucceeded}

	for i := len(p.Stacks) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			report.Outcome = OutcomePartialFailure
			report.Err = err
			return report
		}

		res := d.Stacks.Teardown(ctx, p.Stacks[i])
		report.Results = append(report.Results, res)

		if res.Status != stack.StatusSucceeded {
			report.Outcome = OutcomePartialFailure
		}
	}

	return report
}
