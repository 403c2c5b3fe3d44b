package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type PromptSeed struct {
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
}

type promptSeedFile struct {
	Prompts []PromptSeed `yaml:"prompts"`
}

// LoadPromptSeeds reads prompt seeds from path, or the built-in set when path is empty.
func LoadPromptSeeds(path string) ([]PromptSeed, error) {
	raw := defaultPrompts
	if strings.TrimSpace(path) != "" {
		resolved, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		raw, err = os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("read prompt seeds %s: %w", resolved, err)
		}
	}
	var file promptSeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode prompt seeds: %w", err)
	}
	out := make([]PromptSeed, 0, len(file.Prompts))
	for i, seed := range file.Prompts {
		seed.Module = strings.TrimSpace(seed.Module)
		seed.Name = strings.TrimSpace(seed.Name)
		seed.Value = strings.TrimSpace(seed.Value)
		if seed.Module == "" || seed.Name == "" || seed.Value == "" {
			return nil, fmt.Errorf("prompt seed %d: module, name and value are required", i)
		}
		out = append(out, seed)
	}
	return out, nil
}
