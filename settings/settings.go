// Package settings holds the client-provided configuration snapshot.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/encoding/json"
)

const (
	// Section is the configuration section the server reads from didChangeConfiguration.
	Section = "python"
	// AnalysisSection carries the analysis settings on their own. It is applied after
	// Section, so its fields win.
	AnalysisSection = "python.analysis"
)

// ErrInvalidSettings wraps validation failures.
var ErrInvalidSettings = errors.New("settings: invalid settings")

// Settings is one complete snapshot. Updates replace it wholesale.
type Settings struct {
	Editor   Editor   `json:"editor" yaml:"editor"`
	Linting  Linting  `json:"linting" yaml:"linting"`
	Analysis Analysis `json:"analysis" yaml:"analysis"`
}

// Editor controls indentation and formatting.
type Editor struct {
	TabSize       int  `json:"tabSize" yaml:"tabSize" validate:"min=1,max=16"`
	InsertSpaces  bool `json:"insertSpaces" yaml:"insertSpaces"`
	MaxLineLength int  `json:"maxLineLength" yaml:"maxLineLength" validate:"min=0,max=1000"`
}

// Linting toggles the individual checks.
type Linting struct {
	Enabled                   bool `json:"enabled" yaml:"enabled"`
	MaxLineLengthEnabled      bool `json:"maxLineLengthEnabled" yaml:"maxLineLengthEnabled"`
	TrailingWhitespaceEnabled bool `json:"trailingWhitespaceEnabled" yaml:"trailingWhitespaceEnabled"`
	PylintEnabled             bool `json:"pylintEnabled" yaml:"pylintEnabled"`
	Flake8Enabled             bool `json:"flake8Enabled" yaml:"flake8Enabled"`
}

// Analysis mirrors the python.analysis section.
type Analysis struct {
	DiagnosticMode   string   `json:"diagnosticMode" yaml:"diagnosticMode" validate:"oneof=openFilesOnly workspace"`
	TypeCheckingMode string   `json:"typeCheckingMode" yaml:"typeCheckingMode" validate:"oneof=off basic strict"`
	ExtraPaths       []string `json:"extraPaths,omitempty" yaml:"extraPaths,omitempty" validate:"dive,required"`
	StubPath         string   `json:"stubPath,omitempty" yaml:"stubPath,omitempty"`
	LogLevel         string   `json:"logLevel" yaml:"logLevel" validate:"oneof=error warning information trace"`
}

// Defaults returns the snapshot used before the client sends any configuration.
func Defaults() Settings {
	return Settings{
		Editor: Editor{
			TabSize:       4,
			InsertSpaces:  true,
			MaxLineLength: 79,
		},
		Linting: Linting{
			Enabled:                   true,
			MaxLineLengthEnabled:      true,
			TrailingWhitespaceEnabled: true,
		},
		Analysis: Analysis{
			DiagnosticMode:   "openFilesOnly",
			TypeCheckingMode: "off",
			LogLevel:         "information",
		},
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.Analysis.ExtraPaths = slices.Clone(s.Analysis.ExtraPaths)

	return s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	return nil
}

// Decode parses a didChangeConfiguration payload. It accepts either {"python": {...}}
// or the bare section, optionally alongside {"python.analysis": {...}}. Absent fields take their default values, never the values of a
// previous snapshot.
func Decode(raw []byte) (Settings, error) {
	return DecodeOver(Defaults(), raw)
}

// DecodeOver is Decode with an explicit base for absent fields.
func DecodeOver(base Settings, raw []byte) (Settings, error) {
	s := base.Clone()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	section := trimmed
	if inner, ok := envelope[Section]; ok {
		section = inner
	}

	if err := json.Unmarshal(section, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	if analysis, ok := envelope[AnalysisSection]; ok {
		if err := json.Unmarshal(analysis, &s.Analysis); err != nil {
			return Settings{}, fmt.Errorf("%w: %s: %w", ErrInvalidSettings, AnalysisSection, err)
		}
	}

	return s, nil
}
