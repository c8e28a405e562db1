package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

type TrainerPolicy struct {
	Model   string `yaml:"model"`
	Version string `yaml:"version"`
	Steps   int    `yaml:"steps"`
}

// Ref returns the trainer reference in owner/name:version form.
func (p TrainerPolicy) Ref() string {
	return p.Model + ":" + p.Version
}

type InferencePolicy struct {
	Timeout          time.Duration `yaml:"timeout"`
	OutputFormat     string        `yaml:"output_format"`
	PromptUpsampling bool          `yaml:"prompt_upsampling"`
	Model            string        `yaml:"model"`
}

type ModelDefaults struct {
	Description string `yaml:"description"`
	Visibility  string `yaml:"visibility"`
	Hardware    string `yaml:"hardware"`
}

type Policy struct {
	Trainer   TrainerPolicy   `yaml:"trainer"`
	Inference InferencePolicy `yaml:"inference"`
	Defaults  ModelDefaults   `yaml:"defaults"`
}

// LoadPolicy returns the embedded policy, overridden by the values present in
// path when path is non-empty.
func LoadPolicy(path string) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(defaultPolicyYAML, &policy); err != nil {
		return policy, fmt.Errorf("error parsing embedded policy: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return policy, fmt.Errorf("error reading policy file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return policy, fmt.Errorf("error parsing policy file %s: %w", path, err)
		}
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}

	return policy, nil
}

func (p Policy) Validate() error {
	if len(strings.Split(p.Trainer.Model, "/")) != 2 || p.Trainer.Version == "" {
		return fmt.Errorf("trainer must be an owner/name model with a version, got '%s'", p.Trainer.Ref())
	}
	if p.Trainer.Steps <= 0 {
		return fmt.Errorf("trainer steps must be positive, got %d", p.Trainer.Steps)
	}
	if p.Inference.Timeout <= 0 {
		return fmt.Errorf("inference timeout must be positive, got %v", p.Inference.Timeout)
	}
	return nil
}
