package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// promptsFile is the YAML shape of an external prompt catalog.
type promptsFile struct {
	Prompts []struct {
		Name        string  `yaml:"name"`
		Prompt      string  `yaml:"prompt"`
		Weight      float64 `yaml:"weight"`
		Model       string  `yaml:"model"`
		LogSeverity string  `yaml:"log_severity"`
	} `yaml:"prompts"`
}

// LoadPrompts reads generation prompts from a YAML file. A missing file
// returns nil without error so the built-in defaults apply.
func LoadPrompts(path string) ([]AutoGenPrompt, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var file promptsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	out := make([]AutoGenPrompt, 0, len(file.Prompts))
	for _, p := range file.Prompts {
		if p.Name == "" || p.Prompt == "" {
			return nil, fmt.Errorf("prompt entries need both name and prompt")
		}
		weight := p.Weight
		if weight == 0 {
			weight = 1.0
		}
		out = append(out, AutoGenPrompt{
			Name:        p.Name,
			Prompt:      p.Prompt,
			Weight:      weight,
			Model:       p.Model,
			LogSeverity: p.LogSeverity,
		})
	}
	return out, nil
}
