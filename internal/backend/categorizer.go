// -----------------------------------------------------------------------
// Error Categorizer - Raw worker errors to taxonomy records
// -----------------------------------------------------------------------

package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/forge/internal/models"
)

// Guidance strings attached per category. Fixed text, not templated: the
// message itself carries the specifics.
const (
	guidanceUserCode  = "Fix the reported error in the source file and rebuild; the error is cached until the file changes."
	guidanceSyntax    = "Fix the syntax error at the reported location and rebuild."
	guidanceModule    = "Install the missing module in the worker environment, or remove the import."
	guidanceToolSetup = "Install the converter tool and point the named environment variable at it, then restart the workers."
	guidanceInputPath = "Check that the input path exists. Under Docker, verify the source directory is mounted into the container."
	guidanceTemplate  = "Check the template path in the configuration; the file must exist before workers start."
	guidanceTransient = "Likely transient. Rebuild; if it persists, check worker logs."
	guidanceNoExec    = "The speaker-stage execution that feeds this output did not run. Rebuild from a clean state."
)

// structuredWorkerError mirrors the JSON shape workers serialize into the
// job error column.
type structuredWorkerError struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	Traceback    string `json:"traceback,omitempty"`
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	// Cling/Jupyter C++ cells report as input_line_N:LINE:COL: error: msg.
	inputLinePattern = regexp.MustCompile(`input_line_\d+:(\d+):(\d+):\s+(?:fatal )?error:\s+(.*)`)
	// Generic clang-style diagnostics: path:LINE:COL: error: msg.
	clangPattern = regexp.MustCompile(`:(\d+):(\d+):\s+(?:fatal )?error:\s+(.*)`)
	cellPattern  = regexp.MustCompile(`Cell (\d+)`)
)

// Categorizer converts raw worker error text into BuildError records with
// the user/configuration/infrastructure taxonomy that drives caching.
type Categorizer struct{}

// NewCategorizer builds a categorizer.
func NewCategorizer() *Categorizer {
	return &Categorizer{}
}

// Categorize classifies a raw job error for the given job type.
func (c *Categorizer) Categorize(jobType models.JobType, inputFile, raw string) *models.BuildError {
	structured := parseStructured(raw)

	var buildErr *models.BuildError
	switch jobType {
	case models.JobTypeNotebook:
		buildErr = c.categorizeNotebook(structured)
	case models.JobTypePlantUML, models.JobTypeDrawio:
		buildErr = c.categorizeDiagram(jobType, structured)
	default:
		buildErr = &models.BuildError{
			Type:     models.ErrorTypeInfrastructure,
			Category: "unknown_job_type",
			Severity: models.SeverityError,
			Message:  structured.ErrorMessage,
			Guidance: guidanceTransient,
		}
	}

	buildErr.FilePath = inputFile
	return buildErr
}

// parseStructured decodes the worker's JSON error shape, degrading to a
// plain-text message when the blob is not JSON. ANSI stripping happens
// first: raw escape bytes inside string values are not valid JSON.
func parseStructured(raw string) structuredWorkerError {
	trimmed := strings.TrimSpace(stripANSI(raw))
	if strings.HasPrefix(trimmed, "{") {
		var s structuredWorkerError
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil && s.ErrorMessage != "" {
			return s
		}
	}
	return structuredWorkerError{ErrorMessage: trimmed}
}

// -----------------------------------------------------------------------
// Notebook errors
// -----------------------------------------------------------------------

func (c *Categorizer) categorizeNotebook(s structuredWorkerError) *models.BuildError {
	switch s.ErrorClass {
	case "WorkerTimeout":
		return &models.BuildError{
			Type:     models.ErrorTypeInfrastructure,
			Category: "worker_timeout",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceTransient,
		}
	case "ExecutionCacheMiss":
		return &models.BuildError{
			Type:     models.ErrorTypeInfrastructure,
			Category: "execution_cache_miss",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceNoExec,
		}
	case "ToolMissing":
		return &models.BuildError{
			Type:     models.ErrorTypeConfiguration,
			Category: "tool_missing",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceToolSetup,
		}
	}

	combined := s.ErrorMessage
	if s.Traceback != "" {
		combined += "\n" + s.Traceback
	}

	if strings.Contains(combined, "template") && containsAny(combined, "not found", "No such file") {
		return &models.BuildError{
			Type:     models.ErrorTypeConfiguration,
			Category: "template_missing",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceTemplate,
		}
	}

	buildErr := &models.BuildError{
		Type:     models.ErrorTypeUser,
		Severity: models.SeverityError,
		Message:  s.ErrorMessage,
		Guidance: guidanceUserCode,
	}
	buildErr.Cell = extractCell(s.Traceback)

	// Compiler-style diagnostics carry the most precise location.
	if m := inputLinePattern.FindStringSubmatch(combined); m != nil {
		buildErr.Category = "compile_error"
		buildErr.Line, _ = strconv.Atoi(m[1])
		buildErr.Column, _ = strconv.Atoi(m[2])
		buildErr.Message = m[3]
		buildErr.Snippet = diagnosticSnippet(combined, m[0])
		buildErr.Guidance = guidanceSyntax
		return buildErr
	}
	if m := clangPattern.FindStringSubmatch(combined); m != nil {
		buildErr.Category = "compile_error"
		buildErr.Line, _ = strconv.Atoi(m[1])
		buildErr.Column, _ = strconv.Atoi(m[2])
		buildErr.Message = m[3]
		buildErr.Snippet = diagnosticSnippet(combined, m[0])
		buildErr.Guidance = guidanceSyntax
		return buildErr
	}

	switch {
	case s.ErrorClass == "SyntaxError" || s.ErrorClass == "IndentationError":
		buildErr.Category = "syntax_error"
		buildErr.Guidance = guidanceSyntax
	case s.ErrorClass == "ModuleNotFoundError" || s.ErrorClass == "ImportError":
		buildErr.Category = "missing_module"
		buildErr.Guidance = guidanceModule
	case s.ErrorClass == "NameError":
		buildErr.Category = "name_error"
	case s.ErrorClass == "NotebookParseError":
		buildErr.Category = "notebook_parse"
	case s.ErrorClass == "EmptyCodeExtract" || s.ErrorClass == "EmptyEditScript":
		buildErr.Category = "empty_extract"
	case s.ErrorClass != "":
		buildErr.Category = "cell_execution"
	default:
		buildErr.Category = "cell_execution"
	}
	return buildErr
}

// extractCell pulls the 1-based cell number from a "Cell N" traceback
// marker, zero when absent.
func extractCell(traceback string) int {
	m := cellPattern.FindStringSubmatch(traceback)
	if m == nil {
		return 0
	}
	cell, _ := strconv.Atoi(m[1])
	return cell
}

// diagnosticSnippet returns up to three lines following the matched
// diagnostic, which is where compilers echo the offending source.
func diagnosticSnippet(text, match string) string {
	idx := strings.Index(text, match)
	if idx < 0 {
		return ""
	}
	rest := text[idx:]
	lines := strings.SplitN(rest, "\n", 5)
	if len(lines) <= 1 {
		return strings.TrimSpace(lines[0])
	}
	end := len(lines)
	if end > 4 {
		end = 4
	}
	return strings.TrimSpace(strings.Join(lines[:end], "\n"))
}

// -----------------------------------------------------------------------
// Diagram errors
// -----------------------------------------------------------------------

func (c *Categorizer) categorizeDiagram(jobType models.JobType, s structuredWorkerError) *models.BuildError {
	combined := s.ErrorMessage
	if s.Traceback != "" {
		combined += "\n" + s.Traceback
	}

	envVar := "FORGE_PLANTUML_JAR"
	if jobType == models.JobTypeDrawio {
		envVar = "FORGE_DRAWIO_BIN"
	}

	switch {
	case s.ErrorClass == "ToolMissing",
		strings.Contains(combined, envVar),
		strings.Contains(combined, "command not found"),
		strings.Contains(combined, "Errno 2"):
		return &models.BuildError{
			Type:     models.ErrorTypeConfiguration,
			Category: "tool_missing",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: fmt.Sprintf("%s Set %s.", guidanceToolSetup, envVar),
		}
	case s.ErrorClass == "InputMissing",
		containsAny(combined, "source not found", "No such file or directory"):
		return &models.BuildError{
			Type:     models.ErrorTypeConfiguration,
			Category: "input_missing",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceInputPath,
		}
	case containsAny(combined,
		"Fatal error in V8",
		"Check failed: allocator",
		"Renderer process crashed",
		"SIGTRAP"):
		return &models.BuildError{
			Type:     models.ErrorTypeInfrastructure,
			Category: "renderer_crash",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceTransient,
		}
	case s.ErrorClass == "WorkerTimeout":
		return &models.BuildError{
			Type:     models.ErrorTypeInfrastructure,
			Category: "worker_timeout",
			Severity: models.SeverityError,
			Message:  s.ErrorMessage,
			Guidance: guidanceTransient,
		}
	}

	buildErr := &models.BuildError{
		Type:     models.ErrorTypeUser,
		Category: "diagram_error",
		Severity: models.SeverityError,
		Message:  s.ErrorMessage,
		Guidance: guidanceUserCode,
	}
	if s.ErrorClass == "SyntaxError" {
		buildErr.Category = "syntax_error"
		buildErr.Guidance = guidanceSyntax
		buildErr.Snippet = firstNonEmptyLine(s.Traceback)
	}
	return buildErr
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// stripANSI removes terminal escape sequences. Worker tracebacks often
// arrive colorized.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
