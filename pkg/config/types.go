package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stateful/pkg/engine"
)

// ManifestEntry is one desired entry as written in a manifest file.
type ManifestEntry struct {
	// ID is unique across all manifests. In map form it defaults to the key.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Type selects the handler.
	Type string `json:"type" yaml:"type" validate:"required"`

	// DependsOn lists entry IDs this entry waits on.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`

	// Parameters is passed to the handler as JSON.
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Source is the file the entry was read from.
	Source string `json:"-" yaml:"-"`
}

// ToEntry converts the manifest entry into an engine entry.
func (m ManifestEntry) ToEntry() (*engine.Entry, error) {
	e := &engine.Entry{ID: m.ID, Type: m.Type}
	if len(m.DependsOn) > 0 {
		e.Dependencies = append([]string(nil), m.DependsOn...)
	}
	if m.Parameters != nil {
		raw, err := json.Marshal(m.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode parameters of %s: %w", m.ID, err)
		}
		e.Parameters = raw
	}
	return e, nil
}

// Manifest is the merged result of loading one or more manifest sources.
type Manifest struct {
	// Entries in load order.
	Entries []ManifestEntry `json:"entries"`

	// SourceFiles lists every file that contributed.
	SourceFiles []string `json:"source_files"`

	// LoadedAt is when the manifest was loaded.
	LoadedAt time.Time `json:"loaded_at"`

	// Errors contains any problems found while loading.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether loading produced any error-severity problem.
func (m *Manifest) HasErrors() bool {
	for _, e := range m.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// EntryStates builds the desired graph. It fails when the manifest has
// errors.
func (m *Manifest) EntryStates() (engine.EntryStates, error) {
	if m.HasErrors() {
		return nil, ValidationErrors(m.Errors)
	}
	out := make(engine.EntryStates, len(m.Entries))
	for _, me := range m.Entries {
		e, err := me.ToEntry()
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, nil
}

// Severity levels of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a problem in a configuration file.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "entries.web.type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	var sb strings.Builder
	if ve.File != "" {
		sb.WriteString(ve.File)
		if ve.Line > 0 {
			fmt.Fprintf(&sb, ":%d", ve.Line)
			if ve.Column > 0 {
				fmt.Fprintf(&sb, ":%d", ve.Column)
			}
		}
		sb.WriteString(": ")
	}
	if ve.Path != "" {
		sb.WriteString(ve.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(ve.Message)
	return sb.String()
}

// ValidationErrors is a list of problems reported as a single error.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Error())
	}
	sort.Strings(msgs)
	if len(msgs) == 1 {
		return msgs[0]
	}
	return fmt.Sprintf("%d problems:\n  %s", len(msgs), strings.Join(msgs, "\n  "))
}
