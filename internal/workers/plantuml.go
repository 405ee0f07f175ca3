// -----------------------------------------------------------------------
// PlantUML handler - Diagram rendering via the PlantUML jar
// -----------------------------------------------------------------------

package workers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
)

// PlantUMLHandlerOptions locate the external tooling.
type PlantUMLHandlerOptions struct {
	JarPath string
	// JavaBin defaults to "java" on PATH.
	JavaBin string
	// SourceDir resolves relative input paths; empty uses them as-is.
	SourceDir string
}

// PlantUMLHandler renders .puml sources to PNG or SVG by piping through
// the PlantUML jar. Transient subprocess failures are retried; missing
// tools and inputs fail fast as permanent errors.
type PlantUMLHandler struct {
	logger arbor.ILogger
	opts   PlantUMLHandlerOptions
	retry  common.RetryPolicy
}

// NewPlantUMLHandler builds the handler with the default transient-retry
// policy (3 attempts).
func NewPlantUMLHandler(logger arbor.ILogger, opts PlantUMLHandlerOptions) *PlantUMLHandler {
	retry := common.RetryPolicy{
		MaxAttempts:    3,
		Base:           500 * time.Millisecond,
		Factor:         2,
		Jitter:         0.25,
		Cap:            5 * time.Second,
		RetryPredicate: func(err error) bool { return !IsPermanent(err) },
	}
	return &PlantUMLHandler{logger: logger, opts: opts, retry: retry}
}

func (h *PlantUMLHandler) Type() models.JobType { return models.JobTypePlantUML }

// Handle renders one diagram, returning the image bytes.
func (h *PlantUMLHandler) Handle(ctx context.Context, req *Request) ([]byte, []models.BuildWarning, error) {
	payload := req.Payload.Image

	if h.opts.JarPath == "" {
		return nil, nil, Permanent(&StructuredError{
			ErrorClass:   "ToolMissing",
			ErrorMessage: "FORGE_PLANTUML_JAR is not set; install PlantUML and point the variable at the jar",
		})
	}
	if _, err := os.Stat(h.opts.JarPath); err != nil {
		return nil, nil, Permanent(&StructuredError{
			ErrorClass:   "ToolMissing",
			ErrorMessage: fmt.Sprintf("PlantUML jar not found at %s (FORGE_PLANTUML_JAR)", h.opts.JarPath),
		})
	}

	inputPath := resolveInput(h.opts.SourceDir, payload.InputFile)
	source, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, nil, Permanent(&StructuredError{
			ErrorClass:   "InputMissing",
			ErrorMessage: fmt.Sprintf("diagram source not found: %s: %v", inputPath, err),
		})
	}

	java := h.opts.JavaBin
	if java == "" {
		java = "java"
	}

	args := []string{"-Djava.awt.headless=true", "-jar", h.opts.JarPath,
		"-pipe", "-t" + string(payload.Format)}
	if payload.Scale != 0 && payload.Scale != 1 {
		args = append(args, "-scale", fmt.Sprintf("%g", payload.Scale))
	}

	var output []byte
	err = h.retry.Do(ctx, func() error {
		if req.IsCancelled() {
			return Permanent(fmt.Errorf("job cancelled"))
		}
		cmd := exec.CommandContext(ctx, java, args...)
		cmd.Stdin = bytes.NewReader(source)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
				return Permanent(&StructuredError{
					ErrorClass:   "ToolMissing",
					ErrorMessage: fmt.Sprintf("%s: command not found (Java is required to run PlantUML)", java),
				})
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Syntax errors in the diagram come back on stderr with a
			// non-zero exit; retrying cannot fix them.
			if stderr.Len() > 0 && bytes.Contains(stderr.Bytes(), []byte("Error")) {
				return Permanent(&StructuredError{
					ErrorClass:   "SyntaxError",
					ErrorMessage: fmt.Sprintf("PlantUML rejected %s", payload.InputFile),
					Traceback:    stderr.String(),
				})
			}
			return fmt.Errorf("plantuml exited abnormally: %w: %s", err, stderr.String())
		}
		if stdout.Len() == 0 {
			return fmt.Errorf("plantuml produced no output for %s", payload.InputFile)
		}
		output = stdout.Bytes()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return output, nil, nil
}

func resolveInput(sourceDir, path string) string {
	if sourceDir == "" || len(path) == 0 || path[0] == '/' {
		return path
	}
	return sourceDir + "/" + path
}
