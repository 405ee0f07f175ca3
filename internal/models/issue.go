// -----------------------------------------------------------------------
// Build issues - Errors and warnings with taxonomy
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// ErrorType is the caching-relevant taxonomy of a build error.
// Only user errors are cached; configuration and infrastructure errors may
// be fixed or resolve themselves between runs.
type ErrorType string

const (
	ErrorTypeUser           ErrorType = "user"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeInfrastructure ErrorType = "infrastructure"
)

// Cacheable reports whether errors of this type may be persisted.
func (t ErrorType) Cacheable() bool {
	return t == ErrorTypeUser
}

// Severity grades issues. Only fatal aborts the build mid-stage.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// BuildError is a categorized build failure surfaced to the reporter and,
// for user errors, persisted in the cache DB.
type BuildError struct {
	Type     ErrorType `json:"error_type"`
	Category string    `json:"category"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	FilePath string    `json:"file_path,omitempty"`
	Guidance string    `json:"guidance,omitempty"`

	// Notebook extraction details, zero when not applicable.
	Cell    int    `json:"cell,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Type, e.Category, e.Message)
}

// ToJSON serializes the error for storage.
func (e *BuildError) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal build error: %w", err)
	}
	return data, nil
}

// BuildWarning accompanies a result or an error; always stored.
type BuildWarning struct {
	Category string   `json:"category"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	FilePath string   `json:"file_path,omitempty"`
}

// NewWarning builds a warning-severity issue.
func NewWarning(category, message, filePath string) *BuildWarning {
	return &BuildWarning{
		Category: category,
		Message:  message,
		Severity: SeverityWarning,
		FilePath: filePath,
	}
}
