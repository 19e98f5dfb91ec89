// Package poolfile reads the optional YAML file declaring workers and block rules.
package poolfile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

// Loader handles loading and validation of the pool file
type Loader struct {
	filePath string
}

func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

func (l *Loader) Path() string { return l.filePath }

// Load reads, expands ${VAR} references and validates the pool file.
// Worker URLs come back normalised.
func (l *Loader) Load() (*File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}
	return Parse(data)
}

// Parse decodes pool file content.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("failed to parse pool yaml: %w", err)
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) normalize() error {
	seen := make(map[string]int, len(f.Workers))
	for i := range f.Workers {
		w := &f.Workers[i]
		endpoint, err := workerclient.ValidateEndpoint(w.URL)
		if err != nil {
			return fmt.Errorf("worker %d: %w", i+1, err)
		}
		if w.Quota < 0 {
			return fmt.Errorf("worker %d: quota must not be negative", i+1)
		}
		key := strings.ToLower(endpoint)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("worker %d: duplicate of worker %d (%s)", i+1, prev, endpoint)
		}
		seen[key] = i + 1
		w.URL = endpoint
	}

	for i, r := range f.BlockRules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("block rule %d: name is required", i+1)
		}
		if len(r.StatusCodes) == 0 && len(r.BodyPatterns) == 0 && len(r.ErrorPatterns) == 0 {
			return fmt.Errorf("block rule %q matches nothing", r.Name)
		}
	}
	return nil
}
