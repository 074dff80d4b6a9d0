package experiment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid experiment")

// Definition is an experiment file. Relative paths resolve against the
// directory of the file.
type Definition struct {
	Name       string         `yaml:"name"`
	Frameworks []string       `yaml:"frameworks"`
	Corpus     []string       `yaml:"corpus"`
	Model      string         `yaml:"model"`
	PreTest    *bool          `yaml:"pre_test"`
	Review     *bool          `yaml:"review"`
	Moderation *bool          `yaml:"moderation"`
	Reviewers  []string       `yaml:"reviewers"`
	Ideology   string         `yaml:"ideology"`
	Params     map[string]any `yaml:"params"`

	dir string
}

// Load reads and validates an experiment file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes an experiment. Unknown keys are rejected so that typos such
// as "framework:" do not silently drop inputs.
func Parse(data []byte, dir string) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	def.dir = dir
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks required fields. All problems are reported together.
func (d *Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(d.Frameworks) == 0 {
		problems = append(problems, "at least one framework is required")
	}
	if len(d.Corpus) == 0 {
		problems = append(problems, "at least one corpus path is required")
	}
	for i, p := range append(append([]string{}, d.Frameworks...), d.Corpus...) {
		if strings.TrimSpace(p) == "" {
			problems = append(problems, fmt.Sprintf("path %d is empty", i))
		}
	}
	moderated := d.Moderation != nil && *d.Moderation
	reviewed := d.Review == nil || *d.Review
	if moderated && !reviewed {
		problems = append(problems, "moderation requires review")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %s", ErrInvalid, d.Name, strings.Join(problems, "; "))
}

// resolve returns p relative to the definition's directory.
func (d *Definition) resolve(p string) string {
	if filepath.IsAbs(p) || d.dir == "" {
		return p
	}
	return filepath.Join(d.dir, p)
}
