package compliance

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

type ContextualBan struct {
	Phrase     string `yaml:"phrase"`
	Context    string `yaml:"context"`
	Suggestion string `yaml:"suggestion"`
}

type Rules struct {
	Banned           []string        `yaml:"banned"`
	Contextual       []ContextualBan `yaml:"contextual"`
	CharLimits       map[string]int  `yaml:"char_limits"`
	DefaultCharLimit int             `yaml:"default_char_limit"`
	Products         struct {
		Names        []string `yaml:"names"`
		Misspellings []string `yaml:"misspellings"`
	} `yaml:"products"`
	Sensitivity struct {
		EmpathyRequired []string `yaml:"empathy_required"`
		DoNotEngage     []string `yaml:"do_not_engage"`
	} `yaml:"sensitivity"`
}

func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse compliance rules: %w", err)
	}
	if r.DefaultCharLimit <= 0 {
		r.DefaultCharLimit = 500
	}
	return r, nil
}

// DefaultRules returns the embedded rule set.
func DefaultRules() Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRules reads a rule file, falling back to the embedded rules when path is empty.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read compliance rules: %w", err)
	}
	return ParseRules(data)
}
