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

// Package registry holds the static, ordered set of stack definitions for
// one environment. A registry is immutable after construction; declaration
// order is the deterministic tie-break used by the resolver.
package registry

import (
	"embed"
	"errors"
	"fmt"
)

// ErrInvalid marks a malformed registry. It is a configuration error and is
// raised before any cloud call is made.
var ErrInvalid = errors.New("invalid registry")

// ParamBinding declares how a single template parameter is filled in.
// A binding with a SourceStack is resolved from that stack's outputs at
// deploy time. A binding with a Value is a default the caller may override.
// A binding with neither is supplied by the caller or left to the template.
type ParamBinding struct {
	Key          string `yaml:"key"`
	SourceStack  string `yaml:"sourceStack,omitempty"`
	SourceOutput string `yaml:"sourceOutput,omitempty"`
	Value        string `yaml:"value,omitempty"`
}

// FromStack reports whether the binding depends on an upstream stack.
func (b ParamBinding) FromStack() bool {
	return b.SourceStack != ""
}

// Descriptor defines one stack: its name, the declarative template it is
// created from, how its parameters are bound, and the outputs it promises
// to publish on success.
type Descriptor struct {
	Name         string
	TemplateBody string
	Params       []ParamBinding
	Outputs      []string
	Capabilities []string
}

// dependsOn returns the names of the stacks this descriptor sources
// parameters from.
func (d Descriptor) dependsOn() []string {
	seen := map[string]bool{}
	var deps []string
	for _, b := range d.Params {
		if b.FromStack() && !seen[b.SourceStack] {
			seen[b.SourceStack] = true
			deps = append(deps, b.SourceStack)
		}
	}
	return deps
}

// Registry is the ordered set of stacks for one environment.
type Registry struct {
	stacks []Descriptor
}

// New builds a registry and validates it: names must be unique, templates
// non-empty, and every parameter binding must refer to a registered stack
// and one of its declared outputs.
func New(stacks ...Descriptor) (*Registry, error) {
	byName := map[string]Descriptor{}
	for _, d := range stacks {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: stack with empty name", ErrInvalid)
		}
		if _, ok := byName[d.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate stack %q", ErrInvalid, d.Name)
		}
		if d.TemplateBody == "" {
			return nil, fmt.Errorf("%w: stack %q has no template", ErrInvalid, d.Name)
		}
		byName[d.Name] = d
	}

	for _, d := range stacks {
		for _, b := range d.Params {
			if b.Key == "" {
				return nil, fmt.Errorf("%w: stack %q has a binding with no key", ErrInvalid, d.Name)
			}
			if !b.FromStack() {
				continue
			}
			if b.SourceOutput == "" {
				return nil, fmt.Errorf("%w: stack %q parameter %q names source stack %q but no output",
					ErrInvalid, d.Name, b.Key, b.SourceStack)
			}
			src, ok := byName[b.SourceStack]
			if !ok {
				return nil, fmt.Errorf("%w: stack %q parameter %q sources unknown stack %q",
					ErrInvalid, d.Name, b.Key, b.SourceStack)
			}
			if !declaresOutput(src, b.SourceOutput) {
				return nil, fmt.Errorf("%w: stack %q parameter %q sources undeclared output %s.%s",
					ErrInvalid, d.Name, b.Key, b.SourceStack, b.SourceOutput)
			}
		}
	}

	return &Registry{stacks: append([]Descriptor(nil), stacks...)}, nil
}

func declaresOutput(d Descriptor, output string) bool {
	for _, o := range d.Outputs {
		if o == output {
			return true
		}
	}
	return false
}

// Stacks returns the descriptors in declaration order.
func (r *Registry) Stacks() []Descriptor {
	return append([]Descriptor(nil), r.stacks...)
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	for _, d := range r.stacks {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

//go:embed templates/*.yaml
var templates embed.FS

func mustTemplate(name string) string {
	body, err := templates.ReadFile("templates/" + name)
	if err != nil {
		panic(err)
	}
	return string(body)
}

// Well-known stack name suffixes of the default environment.
const (
	NetworkSuffix = "-network"
	ClusterSuffix = "-cluster"
	ClientSuffix  = "-client"
	TestDocSuffix = "-testdoc"
)

// Default returns the registry for the MSK IAM demo environment: a VPC with
// client and broker security groups, an MSK cluster with IAM client
// authentication, an EC2 client host reachable over SSM, and the SSM command
// document that runs the produce/consume round trip. Stack names carry the
// given prefix so several environments can coexist in one account.
func Default(prefix string) *Registry {
	reg, err := New(
		Descriptor{
			Name:         prefix + NetworkSuffix,
			TemplateBody: mustTemplate("network.yaml"),
			Params: []ParamBinding{
				{Key: "VpcCidr", Value: "10.30.0.0/16"},
			},
			Outputs: []string{
				"VpcId",
				"PublicSubnetId",
				"PrivateSubnet1Id",
				"PrivateSubnet2Id",
				"ClusterSecurityGroupId",
				"ClientSecurityGroupId",
			},
		},
		Descriptor{
			Name:         prefix + ClusterSuffix,
			TemplateBody: mustTemplate("cluster.yaml"),
			Params: []ParamBinding{
				{Key: "PrivateSubnet1Id", SourceStack: prefix + NetworkSuffix, SourceOutput: "PrivateSubnet1Id"},
				{Key: "PrivateSubnet2Id", SourceStack: prefix + NetworkSuffix, SourceOutput: "PrivateSubnet2Id"},
				{Key: "ClusterSecurityGroupId", SourceStack: prefix + NetworkSuffix, SourceOutput: "ClusterSecurityGroupId"},
				{Key: "KafkaVersion", Value: "3.6.0"},
				{Key: "BrokerInstanceType", Value: "kafka.t3.small"},
			},
			Outputs: []string{"ClusterArn"},
		},
		Descriptor{
			Name:         prefix + ClientSuffix,
			TemplateBody: mustTemplate("client.yaml"),
			Params: []ParamBinding{
				{Key: "PublicSubnetId", SourceStack: prefix + NetworkSuffix, SourceOutput: "PublicSubnetId"},
				{Key: "ClientSecurityGroupId", SourceStack: prefix + NetworkSuffix, SourceOutput: "ClientSecurityGroupId"},
				{Key: "ClusterArn", SourceStack: prefix + ClusterSuffix, SourceOutput: "ClusterArn"},
				{Key: "InstanceType", Value: "t3.small"},
			},
			Outputs:      []string{"ClientInstanceId"},
			Capabilities: []string{"CAPABILITY_NAMED_IAM"},
		},
		Descriptor{
			Name:         prefix + TestDocSuffix,
			TemplateBody: mustTemplate("testdoc.yaml"),
			Outputs:      []string{"TestDocumentName"},
		},
	)
	if err != nil {
		// The built-in registry is validated by its own tests; a failure
		// here is a programming error.
		panic(err)
	}
	return reg
}
