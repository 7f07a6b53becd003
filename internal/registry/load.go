package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type fileDescriptor struct {
	Name         string         `yaml:"name"`
	Template     string         `yaml:"template"`
	Params       []ParamBinding `yaml:"params"`
	Outputs      []string       `yaml:"outputs"`
	Capabilities []string       `yaml:"capabilities"`
}

type registryFile struct {
	Stacks []fileDescriptor `yaml:"stacks"`
}

// Load reads a registry definition from a YAML file. Template paths are
// resolved relative to the registry file so a definition directory can be
// checked out anywhere.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(file.Stacks) == 0 {
		return nil, fmt.Errorf("%w: no stacks defined in %s", ErrInvalid, path)
	}

	base := filepath.Dir(path)
	stacks := make([]Descriptor, 0, len(file.Stacks))
	for _, fd := range file.Stacks {
		if fd.Template == "" {
			return nil, fmt.Errorf("%w: stack %q has no template path", ErrInvalid, fd.Name)
		}
		body, err := os.ReadFile(filepath.Join(base, fd.Template))
		if err != nil {
			return nil, fmt.Errorf("read template for stack %q: %w", fd.Name, err)
		}
		stacks = append(stacks, Descriptor{
			Name:         fd.Name,
			TemplateBody: string(body),
			Params:       fd.Params,
			Outputs:      fd.Outputs,
			Capabilities: fd.Capabilities,
		})
	}

	return New(stacks...)
}
