// Package oracle connects persona prompt files to an external decision
// oracle. Persona content is opaque to the rest of the engine: a persona
// is just a label attached to the decisions it produces.
package oracle

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/voltaquant/persona-backtest/pkg/errors"
)

// Persona is a named strategy configuration driving the oracle's prompt
// context. Name is the prompt file stem.
type Persona struct {
	Name   string
	Prompt string
}

// LoadPersonas reads every *.txt prompt file in dir. Returns an error when
// the directory holds no personas, since a run without personas can never
// produce decisions.
func LoadPersonas(dir string) ([]Persona, error) {
	pattern := filepath.Join(dir, "*.txt")

	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodePersonaNotFound, err, "failed to list persona files in %s", dir)
	}

	if len(files) == 0 {
		return nil, errors.Newf(errors.ErrCodePersonaNotFound, "no persona files found in %s", dir)
	}

	personas := make([]Persona, 0, len(files))

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodePersonaNotFound, err, "failed to read persona file %s", file)
		}

		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))

		personas = append(personas, Persona{
			Name:   name,
			Prompt: strings.TrimSpace(string(content)),
		})
	}

	return personas, nil
}
