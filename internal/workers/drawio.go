// -----------------------------------------------------------------------
// Draw.io handler - Diagram export via the drawio desktop binary
// -----------------------------------------------------------------------

package workers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
)

// DrawioHandlerOptions locate the drawio executable.
type DrawioHandlerOptions struct {
	BinPath   string
	SourceDir string
}

// DrawioHandler exports .drawio sources to PNG or SVG through the desktop
// binary's headless export mode. Electron/V8 crashes are transient and
// retried; missing binaries and inputs fail fast.
type DrawioHandler struct {
	logger arbor.ILogger
	opts   DrawioHandlerOptions
	retry  common.RetryPolicy
}

// NewDrawioHandler builds the handler. The Electron runtime crashes often
// enough under memory pressure that retries are on by default.
func NewDrawioHandler(logger arbor.ILogger, opts DrawioHandlerOptions) *DrawioHandler {
	retry := common.RetryPolicy{
		MaxAttempts:    3,
		Base:           time.Second,
		Factor:         2,
		Jitter:         0.25,
		Cap:            10 * time.Second,
		RetryPredicate: func(err error) bool { return !IsPermanent(err) },
	}
	return &DrawioHandler{logger: logger, opts: opts, retry: retry}
}

func (h *DrawioHandler) Type() models.JobType { return models.JobTypeDrawio }

// Handle exports one diagram, returning the image bytes.
func (h *DrawioHandler) Handle(ctx context.Context, req *Request) ([]byte, []models.BuildWarning, error) {
	payload := req.Payload.Image

	if h.opts.BinPath == "" {
		return nil, nil, Permanent(&StructuredError{
			ErrorClass:   "ToolMissing",
			ErrorMessage: "FORGE_DRAWIO_BIN is not set; install the drawio desktop app and point the variable at it",
		})
	}
	if _, err := os.Stat(h.opts.BinPath); err != nil {
		if _, lookErr := exec.LookPath(h.opts.BinPath); lookErr != nil {
			return nil, nil, Permanent(&StructuredError{
				ErrorClass:   "ToolMissing",
				ErrorMessage: fmt.Sprintf("drawio binary not found at %s (FORGE_DRAWIO_BIN)", h.opts.BinPath),
			})
		}
	}

	inputPath := resolveInput(h.opts.SourceDir, payload.InputFile)
	if _, err := os.Stat(inputPath); err != nil {
		return nil, nil, Permanent(&StructuredError{
			ErrorClass:   "InputMissing",
			ErrorMessage: fmt.Sprintf("diagram source not found: %s: %v", inputPath, err),
		})
	}

	// drawio only exports to files, so stage the result in a scratch dir
	// and hand the bytes back to the loop for the atomic write.
	scratch, err := os.MkdirTemp("", "forge-drawio-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	defer os.RemoveAll(scratch)
	exportPath := filepath.Join(scratch, "out."+string(payload.Format))

	args := []string{"--export", "--format", string(payload.Format), "--output", exportPath}
	if payload.Format == models.ImageFormatPNG && payload.Scale != 0 && payload.Scale != 1 {
		args = append(args, "--scale", fmt.Sprintf("%g", payload.Scale))
	}
	args = append(args, inputPath)

	var output []byte
	err = h.retry.Do(ctx, func() error {
		if req.IsCancelled() {
			return Permanent(fmt.Errorf("job cancelled"))
		}
		cmd := exec.CommandContext(ctx, h.opts.BinPath, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
				return Permanent(&StructuredError{
					ErrorClass:   "ToolMissing",
					ErrorMessage: fmt.Sprintf("%s: command not found (FORGE_DRAWIO_BIN)", h.opts.BinPath),
				})
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg := stderr.String()
			if isElectronCrash(msg) {
				// Transient renderer crash; let the retry loop have it.
				return fmt.Errorf("drawio renderer crashed: %s", firstLine(msg))
			}
			return fmt.Errorf("drawio export failed: %w: %s", err, firstLine(msg))
		}

		data, err := os.ReadFile(exportPath)
		if err != nil {
			return fmt.Errorf("drawio reported success but wrote no output: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("drawio produced an empty export for %s", payload.InputFile)
		}
		output = data
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return output, nil, nil
}

// isElectronCrash matches the known renderer crash signatures.
func isElectronCrash(stderr string) bool {
	for _, marker := range []string{
		"Fatal error in V8",
		"Check failed: allocator",
		"Renderer process crashed",
		"SIGTRAP",
		"out of memory",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
