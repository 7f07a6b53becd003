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

// Package conntest validates the deployed environment end to end: it runs a
// produce-then-consume round trip on the client host against the cluster
// using IAM-derived credentials and classifies the result. The engine never
// parses broker log formats beyond locating the round-trip tag.
package conntest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmTypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/linki/msk-oneclick/internal/clock"
	"github.com/linki/msk-oneclick/internal/retry"
)

var (
	// ErrTestFailed means the test ran to completion but did not validate:
	// nonzero remote exit, missing tag, or a timeout. Never retried
	// automatically.
	ErrTestFailed = errors.New("connectivity test failed")

	// ErrTimeout means the remote command did not reach a terminal status
	// within the test timeout.
	ErrTimeout = errors.New("timed out waiting for command")
)

// CommandChannel is the subset of the SSM API used to dispatch the test and
// poll its status.
type CommandChannel interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, opts ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, opts ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// BrokerResolver resolves the IAM bootstrap broker string of a cluster.
// CloudFormation cannot export it, so it is looked up live at test time.
type BrokerResolver interface {
	GetBootstrapBrokers(ctx context.Context, in *kafka.GetBootstrapBrokersInput, opts ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed-out"
)

// Result captures one connectivity test run. Raw output is always
// preserved for diagnosis.
type Result struct {
	CommandID string
	Status    Status
	Tag       string
	Stdout    string
	Stderr    string
	Passed    bool
	Err       error
}

// Input identifies what to test. DocumentName selects the SSM document the
// environment deployed; when empty the executor composes an inline
// AWS-RunShellScript invocation instead.
type Input struct {
	ClusterArn   string
	InstanceID   string
	Topic        string
	DocumentName string
}

type Executor struct {
	Commands CommandChannel
	Brokers  BrokerResolver
	Log      logr.Logger
	Clock    clock.Clock
	// PollInterval and Timeout bound the command status polling. The
	// timeout is deliberately shorter than stack deployment timeouts; this
	// is an interactive validation step.
	PollInterval time.Duration
	Timeout      time.Duration
	Retries      uint64
	// NewTag overrides tag generation in tests.
	NewTag func() string
}

// Run dispatches the produce/consume round trip to the client host and
// polls until the command terminates or the test timeout elapses. Passed is
// true only if the remote exit was success and the captured output contains
// the tag that was published.
func (e *Executor) Run(ctx context.Context, in Input) Result {
	res := Result{Status: StatusPending, Tag: e.newTag()}
	log := e.Log.WithValues("cluster", in.ClusterArn, "instance", in.InstanceID)

	topic := in.Topic
	if topic == "" {
		topic = "poc-topic"
	}

	brokers, err := retry.Do(retry.Bounded(ctx, e.Retries), func() (*kafka.GetBootstrapBrokersOutput, error) {
		return e.Brokers.GetBootstrapBrokers(ctx, &kafka.GetBootstrapBrokersInput{
			ClusterArn: aws.String(in.ClusterArn),
		})
	})
	if err != nil {
		return e.fail(res, StatusFailed, err)
	}
	bootstrap := aws.ToString(brokers.BootstrapBrokerStringSaslIam)
	if bootstrap == "" {
		return e.fail(res, StatusFailed, errors.New("cluster exposes no IAM bootstrap brokers"))
	}

	input := e.commandInput(in, bootstrap, topic, res.Tag)
	log.Info("dispatching connectivity test", "topic", topic, "tag", res.Tag)

	sent, err := retry.Do(retry.Bounded(ctx, e.Retries), func() (*ssm.SendCommandOutput, error) {
		return e.Commands.SendCommand(ctx, input)
	})
	if err != nil {
		return e.fail(res, StatusFailed, err)
	}
	res.CommandID = aws.ToString(sent.Command.CommandId)
	res.Status = StatusDispatched

	invocation, err := e.waitUntilTerminal(ctx, res.CommandID, in.InstanceID)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return e.fail(res, StatusTimedOut, err)
		}
		return e.fail(res, StatusFailed, err)
	}

	res.Stdout = aws.ToString(invocation.StandardOutputContent)
	res.Stderr = aws.ToString(invocation.StandardErrorContent)

	switch invocation.Status {
	case ssmTypes.CommandInvocationStatusSuccess:
		res.Status = StatusCompleted
		res.Passed = strings.Contains(res.Stdout, res.Tag)
		if !res.Passed {
			res.Err = ErrTestFailed
			log.Info("command succeeded but tag was not read back", "command", res.CommandID)
		}
	case ssmTypes.CommandInvocationStatusTimedOut:
		res.Status = StatusTimedOut
		res.Err = ErrTestFailed
	default:
		res.Status = StatusFailed
		res.Err = ErrTestFailed
	}

	return res
}

func (e *Executor) commandInput(in Input, bootstrap, topic, tag string) *ssm.SendCommandInput {
	if in.DocumentName != "" {
		return &ssm.SendCommandInput{
			DocumentName: aws.String(in.DocumentName),
			InstanceIds:  []string{in.InstanceID},
			Parameters: map[string][]string{
				"BootstrapBrokers": {bootstrap},
				"TopicName":        {topic},
				"MessageTag":       {tag},
			},
		}
	}
	return &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{in.InstanceID},
		Parameters: map[string][]string{
			"commands": Script(bootstrap, topic, tag),
		},
	}
}

// waitUntilTerminal polls the command invocation until it is no longer
// pending or running. An invocation that is not yet registered counts as
// pending. Cancellation is honored between polls.
func (e *Executor) waitUntilTerminal(ctx context.Context, commandID, instanceID string) (*ssm.GetCommandInvocationOutput, error) {
	deadline := e.Clock.Now().Add(e.Timeout)
	input := &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	}

	for {
		out, err := retry.Do(retry.Bounded(ctx, e.Retries), func() (*ssm.GetCommandInvocationOutput, error) {
			return e.Commands.GetCommandInvocation(ctx, input)
		})
		switch {
		case err != nil && isInvocationMissing(err):
			// Dispatch is acknowledged before the invocation record shows
			// up; treat as still pending.
		case err != nil:
			return nil, err
		default:
			switch out.Status {
			case ssmTypes.CommandInvocationStatusPending,
				ssmTypes.CommandInvocationStatusInProgress,
				ssmTypes.CommandInvocationStatusDelayed:
				e.Log.V(1).Info("waiting for command", "command", commandID, "status", out.Status)
			default:
				return out, nil
			}
		}

		if !e.Clock.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		if err := e.Clock.Sleep(ctx, e.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) fail(res Result, status Status, err error) Result {
	e.Log.Error(err, "connectivity test did not complete", "command", res.CommandID)
	res.Status = status
	res.Err = err
	return res
}

func (e *Executor) newTag() string {
	if e.NewTag != nil {
		return e.NewTag()
	}
	return "msk-oneclick-" + uuid.NewString()
}

func isInvocationMissing(err error) bool {
	var missing *ssmTypes.InvocationDoesNotExist
	return errors.As(err, &missing)
}
