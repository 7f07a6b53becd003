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

// Package stack drives a single CloudFormation stack through its lifecycle:
// detect, create or update, wait for a terminal status, collect outputs; or
// delete and wait. The cloud control plane is the single source of truth;
// nothing is cached across invocations.
package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/go-logr/logr"

	"github.com/linki/msk-oneclick/internal/clock"
	"github.com/linki/msk-oneclick/internal/registry"
	"github.com/linki/msk-oneclick/internal/retry"
)

var (
	ErrStackNotFound = errors.New("stack not found")

	// ErrUnrecoverableState means the stack sits in a failed or rollback
	// state that create/update cannot fix. Recovering requires an explicit
	// operator teardown first; the manager never deletes on its own.
	ErrUnrecoverableState = errors.New("stack in unrecoverable state")

	// ErrOutputContract means a stack succeeded but did not publish an
	// output it promised. This indicates a registry/template mismatch.
	ErrOutputContract = errors.New("stack output contract violation")

	// ErrTimeout means polling exceeded the configured bound before the
	// stack reached a terminal status.
	ErrTimeout = errors.New("timed out waiting for stack")
)

// ControlPlane is the subset of the CloudFormation API the manager uses.
type ControlPlane interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpNoop   Operation = "no-op-already-deleted"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Result records the outcome of one stack operation within a run.
// Transitions are monotonic; a Result never leaves a terminal status.
type Result struct {
	StackName string
	Operation Operation
	Status    Status
	Outputs   map[string]string
	Detail    string
	Err       error
}

type Manager struct {
	API          ControlPlane
	Log          logr.Logger
	Clock        clock.Clock
	DefaultTags  map[string]string
	PollInterval time.Duration
	// DeployTimeout bounds create/update waits; DeleteTimeout bounds
	// deletion waits. Both are configuration, not constants.
	DeployTimeout time.Duration
	DeleteTimeout time.Duration
	// Retries bounds re-issues of transient control plane failures.
	Retries uint64
}

// Deploy creates or updates the stack described by desc with the given
// parameters and waits for a terminal status.
func (m *Manager) Deploy(ctx context.Context, desc registry.Descriptor, params map[string]string) Result {
	res := Result{StackName: desc.Name, Status: StatusPending}
	log := m.Log.WithValues("stack", desc.Name)

	current, err := m.getStack(ctx, desc.Name)
	if err != nil && !errors.Is(err, ErrStackNotFound) {
		return m.fail(res, err, "")
	}

	if current != nil && !terminalState(current.StackStatus) {
		// A prior run left an operation in flight, possibly after a
		// cancellation. Let it settle before deciding create vs update.
		log.Info("stack operation already in progress, waiting", "status", current.StackStatus)
		current, err = m.waitUntilTerminal(ctx, desc.Name, m.DeployTimeout)
		if err != nil {
			return m.fail(res, err, "")
		}
	}

	switch {
	case current == nil:
		res.Operation = OpCreate
		log.Info("creating stack")
		input := &cloudformation.CreateStackInput{
			Capabilities: capabilities(desc.Capabilities),
			StackName:    aws.String(desc.Name),
			TemplateBody: aws.String(desc.TemplateBody),
			Parameters:   stackParameters(params),
			Tags:         stackTags(m.DefaultTags),
		}
		_, err = retry.Do(retry.Bounded(ctx, m.Retries), func() (*cloudformation.CreateStackOutput, error) {
			return m.API.CreateStack(ctx, input)
		})
		if err != nil {
			return m.fail(res, err, "")
		}

	case unrecoverableState(current.StackStatus):
		res.Operation = OpUpdate
		err := fmt.Errorf("%w: %s is %s", ErrUnrecoverableState, desc.Name, current.StackStatus)
		return m.fail(res, err, reason(current))

	default:
		res.Operation = OpUpdate
		log.Info("updating stack")
		input := &cloudformation.UpdateStackInput{
			Capabilities: capabilities(desc.Capabilities),
			StackName:    aws.String(desc.Name),
			TemplateBody: aws.String(desc.TemplateBody),
			Parameters:   stackParameters(params),
			Tags:         stackTags(m.DefaultTags),
		}
		_, err = retry.Do(retry.Bounded(ctx, m.Retries), func() (*cloudformation.UpdateStackOutput, error) {
			return m.API.UpdateStack(ctx, input)
		})
		if err != nil {
			if strings.Contains(err.Error(), "No updates are to be performed.") {
				log.Info("stack already up to date")
				return m.finishDeploy(ctx, desc, res)
			}
			return m.fail(res, err, "")
		}
	}

	res.Status = StatusInProgress

	final, err := m.waitUntilTerminal(ctx, desc.Name, m.DeployTimeout)
	if err != nil {
		return m.fail(res, err, "")
	}
	if final == nil {
		return m.fail(res, fmt.Errorf("%w: %s disappeared while waiting", ErrStackNotFound, desc.Name), "")
	}
	if !deploySucceeded(final.StackStatus) {
		err := fmt.Errorf("stack %s ended in %s", desc.Name, final.StackStatus)
		return m.fail(res, err, reason(final))
	}

	return m.finishDeploy(ctx, desc, res)
}

// finishDeploy re-reads the stack, collects its outputs and enforces the
// output contract.
func (m *Manager) finishDeploy(ctx context.Context, desc registry.Descriptor, res Result) Result {
	final, err := m.getStack(ctx, desc.Name)
	if err != nil {
		return m.fail(res, err, "")
	}

	outputs := collectOutputs(final)
	for _, key := range desc.Outputs {
		if _, ok := outputs[key]; !ok {
			err := fmt.Errorf("%w: %s did not publish %q", ErrOutputContract, desc.Name, key)
			return m.fail(res, err, "")
		}
	}

	res.Status = StatusSucceeded
	res.Outputs = outputs
	return res
}

// Teardown deletes the stack if it exists and waits for the deletion to
// finish. Tearing down an absent stack is a successful no-op.
func (m *Manager) Teardown(ctx context.Context, desc registry.Descriptor) Result {
	res := Result{StackName: desc.Name, Operation: OpDelete, Status: StatusPending}
	log := m.Log.WithValues("stack", desc.Name)

	_, err := m.getStack(ctx, desc.Name)
	if errors.Is(err, ErrStackNotFound) {
		log.Info("stack already deleted")
		res.Operation = OpNoop
		res.Status = StatusSucceeded
		return res
	}
	if err != nil {
		return m.fail(res, err, "")
	}

	log.Info("deleting stack")
	input := &cloudformation.DeleteStackInput{StackName: aws.String(desc.Name)}
	_, err = retry.Do(retry.Bounded(ctx, m.Retries), func() (*cloudformation.DeleteStackOutput, error) {
		return m.API.DeleteStack(ctx, input)
	})
	if err != nil {
		return m.fail(res, err, "")
	}

	res.Status = StatusInProgress

	final, err := m.waitUntilTerminal(ctx, desc.Name, m.DeleteTimeout)
	if err != nil {
		return m.fail(res, err, "")
	}
	if final != nil && final.StackStatus != cfTypes.StackStatusDeleteComplete {
		err := fmt.Errorf("stack %s ended in %s", desc.Name, final.StackStatus)
		return m.fail(res, err, reason(final))
	}

	res.Status = StatusSucceeded
	return res
}

// Outputs re-reads the named stack and returns its current outputs.
func (m *Manager) Outputs(ctx context.Context, name string) (map[string]string, error) {
	cfs, err := m.getStack(ctx, name)
	if err != nil {
		return nil, err
	}
	return collectOutputs(cfs), nil
}

// waitUntilTerminal polls the stack at PollInterval until it reaches a
// terminal status or timeout elapses. A stack that stops existing yields
// (nil, nil). No lock is held between polls and cancellation is honored
// between, not during, polls.
func (m *Manager) waitUntilTerminal(ctx context.Context, name string, timeout time.Duration) (*cfTypes.Stack, error) {
	deadline := m.Clock.Now().Add(timeout)

	for {
		cfs, err := m.getStack(ctx, name)
		if errors.Is(err, ErrStackNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if terminalState(cfs.StackStatus) {
			return cfs, nil
		}

		m.Log.V(1).Info("waiting for stack", "stack", name, "status", cfs.StackStatus)

		if !m.Clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s still %s after %s", ErrTimeout, name, cfs.StackStatus, timeout)
		}
		if err := m.Clock.Sleep(ctx, m.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) getStack(ctx context.Context, name string) (*cfTypes.Stack, error) {
	input := &cloudformation.DescribeStacksInput{StackName: aws.String(name)}
	resp, err := retry.Do(retry.Bounded(ctx, m.Retries), func() (*cloudformation.DescribeStacksOutput, error) {
		return m.API.DescribeStacks(ctx, input)
	})
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, ErrStackNotFound
		}
		return nil, err
	}
	if len(resp.Stacks) != 1 {
		return nil, ErrStackNotFound
	}

	return &resp.Stacks[0], nil
}

func (m *Manager) fail(res Result, err error, detail string) Result {
	m.Log.Error(err, "stack operation failed", "stack", res.StackName, "operation", res.Operation)
	res.Status = StatusFailed
	res.Err = err
	res.Detail = detail
	return res
}

// terminalState reports whether no further automatic transition occurs.
func terminalState(status cfTypes.StackStatus) bool {
	s := string(status)
	return strings.HasSuffix(s, "_COMPLETE") || strings.HasSuffix(s, "_FAILED")
}

// unrecoverableState reports whether create/update can no longer move the
// stack forward.
func unrecoverableState(status cfTypes.StackStatus) bool {
	switch status {
	case cfTypes.StackStatusCreateFailed,
		cfTypes.StackStatusRollbackComplete,
		cfTypes.StackStatusRollbackFailed,
		cfTypes.StackStatusDeleteFailed,
		cfTypes.StackStatusUpdateRollbackFailed:
		return true
	}
	return false
}

func deploySucceeded(status cfTypes.StackStatus) bool {
	switch status {
	case cfTypes.StackStatusCreateComplete, cfTypes.StackStatusUpdateComplete:
		return true
	}
	return false
}

func reason(cfs *cfTypes.Stack) string {
	if cfs.StackStatusReason != nil {
		return *cfs.StackStatusReason
	}
	return string(cfs.StackStatus)
}

func collectOutputs(cfs *cfTypes.Stack) map[string]string {
	outputs := map[string]string{}
	for _, output := range cfs.Outputs {
		outputs[aws.ToString(output.OutputKey)] = aws.ToString(output.OutputValue)
	}
	return outputs
}

func capabilities(caps []string) []cfTypes.Capability {
	out := make([]cfTypes.Capability, len(caps))
	for i, c := range caps {
		out[i] = cfTypes.Capability(c)
	}
	return out
}

func stackParameters(params map[string]string) []cfTypes.Parameter {
	var out []cfTypes.Parameter
	for k, v := range params {
		out = append(out, cfTypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(v),
		})
	}
	return out
}

func stackTags(defaultTags map[string]string) []cfTypes.Tag {
	tags := []cfTypes.Tag{
		{
			Key:   aws.String("managed-by"),
			Value: aws.String("msk-oneclick"),
		},
	}
	for k, v := range defaultTags {
		tags = append(tags, cfTypes.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	return tags
}
