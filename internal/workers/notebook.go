// -----------------------------------------------------------------------
// Notebook handler - Derivative notebook, code and HTML production
// -----------------------------------------------------------------------

package workers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// notesTag marks instructor-only cells, removed from completed outputs.
const notesTag = "notes"

// keepTag preserves a code cell's body in code-along outputs.
const keepTag = "keep"

// NotebookHandlerOptions configure the notebook handler.
type NotebookHandlerOptions struct {
	// JupyterBin is the notebook execution entrypoint. Empty means look up
	// "jupyter" on PATH at execution time.
	JupyterBin string

	// HostWorkspace/ContainerWorkspace translate paths for cache keys when
	// running inside a container.
	HostWorkspace      string
	ContainerWorkspace string
}

// NotebookHandler produces every notebook-derived output: kind-filtered
// notebooks, extracted code, edit scripts and rendered HTML. HTML builds
// go through the execution-reuse cache so one execution serves both the
// speaker and completed outputs.
type NotebookHandler struct {
	cache  interfaces.CacheStore
	logger arbor.ILogger
	opts   NotebookHandlerOptions
	md     goldmark.Markdown
}

// NewNotebookHandler builds the handler. cache may be nil; HTML builds
// then always execute.
func NewNotebookHandler(logger arbor.ILogger, cache interfaces.CacheStore, opts NotebookHandlerOptions) *NotebookHandler {
	return &NotebookHandler{
		cache:  cache,
		logger: logger,
		opts:   opts,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
	}
}

func (h *NotebookHandler) Type() models.JobType { return models.JobTypeNotebook }

// Handle dispatches on the requested output format.
func (h *NotebookHandler) Handle(ctx context.Context, req *Request) ([]byte, []models.BuildWarning, error) {
	payload := req.Payload.Notebook

	nb, err := models.ParseNotebook(payload.NotebookText)
	if err != nil {
		return nil, nil, &StructuredError{
			ErrorClass:   "NotebookParseError",
			ErrorMessage: err.Error(),
		}
	}

	switch payload.Format {
	case models.FormatNotebook:
		return h.buildNotebook(nb, payload)
	case models.FormatCode:
		return h.buildCode(nb, payload)
	case models.FormatEditScript:
		return h.buildEditScript(nb, payload)
	case models.FormatHTML:
		return h.buildHTML(ctx, req, nb, payload)
	default:
		return nil, nil, fmt.Errorf("unknown output format: %s", payload.Format)
	}
}

// -----------------------------------------------------------------------
// Kind filtering
// -----------------------------------------------------------------------

// filterForKind applies the output-kind rules: speaker keeps everything,
// completed drops notes cells, code-along additionally blanks untagged
// code cells for fill-in.
func filterForKind(nb *models.Notebook, kind models.Kind) *models.Notebook {
	switch kind {
	case models.KindSpeaker:
		return nb
	case models.KindCompleted:
		return nb.FilterCells(func(c *models.NotebookCell) bool {
			return !c.HasTag(notesTag)
		})
	case models.KindCodeAlong:
		out := nb.FilterCells(func(c *models.NotebookCell) bool {
			return !c.HasTag(notesTag)
		})
		for i := range out.Cells {
			cell := &out.Cells[i]
			if cell.CellType == "code" && !cell.HasTag(keepTag) {
				cell.Source = []string{""}
				cell.Outputs = nil
				cell.ExecutionCount = nil
			}
		}
		return out
	}
	return nb
}

// stripOutputs clears execution artifacts for unexecuted derivatives.
func stripOutputs(nb *models.Notebook) {
	for i := range nb.Cells {
		if nb.Cells[i].CellType == "code" {
			nb.Cells[i].Outputs = nil
			nb.Cells[i].ExecutionCount = nil
		}
	}
}

func (h *NotebookHandler) buildNotebook(nb *models.Notebook, payload *models.NotebookPayload) ([]byte, []models.BuildWarning, error) {
	out := filterForKind(nb, payload.Kind)
	if payload.Kind != models.KindSpeaker {
		stripOutputs(out)
	}
	data, err := out.ToJSON()
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}

// buildCode extracts code cells into a single script, delimited by cell
// markers so the extract remains navigable.
func (h *NotebookHandler) buildCode(nb *models.Notebook, payload *models.NotebookPayload) ([]byte, []models.BuildWarning, error) {
	out := filterForKind(nb, payload.Kind)
	comment := commentPrefix(payload.ProgLang)

	var buf bytes.Buffer
	cellNum := 0
	for i := range out.Cells {
		cell := &out.Cells[i]
		if cell.CellType != "code" {
			continue
		}
		src := strings.TrimRight(cell.SourceText(), "\n")
		if src == "" {
			continue
		}
		cellNum++
		if cellNum > 1 {
			buf.WriteString("\n\n")
		}
		fmt.Fprintf(&buf, "%s --- cell %d ---\n", comment, cellNum)
		buf.WriteString(src)
		buf.WriteString("\n")
	}
	if buf.Len() == 0 {
		return nil, nil, &StructuredError{
			ErrorClass:   "EmptyCodeExtract",
			ErrorMessage: fmt.Sprintf("%s contains no code cells", payload.InputName),
		}
	}
	return buf.Bytes(), nil, nil
}

// buildEditScript produces the live-typing script for code-along sessions:
// the full code of every fill-in cell, in presentation order.
func (h *NotebookHandler) buildEditScript(nb *models.Notebook, payload *models.NotebookPayload) ([]byte, []models.BuildWarning, error) {
	comment := commentPrefix(payload.ProgLang)

	var buf bytes.Buffer
	cellNum := 0
	for i := range nb.Cells {
		cell := &nb.Cells[i]
		if cell.CellType != "code" || cell.HasTag(notesTag) || cell.HasTag(keepTag) {
			continue
		}
		src := strings.TrimRight(cell.SourceText(), "\n")
		if src == "" {
			continue
		}
		cellNum++
		fmt.Fprintf(&buf, "%s ===== edit %d =====\n%s\n\n", comment, cellNum, src)
	}
	if buf.Len() == 0 {
		return nil, nil, &StructuredError{
			ErrorClass:   "EmptyEditScript",
			ErrorMessage: fmt.Sprintf("%s contains no editable code cells", payload.InputName),
		}
	}
	return buf.Bytes(), nil, nil
}

func commentPrefix(progLang string) string {
	switch strings.ToLower(progLang) {
	case "cpp", "c++", "c", "java", "javascript", "go", "rust":
		return "//"
	default:
		return "#"
	}
}

// -----------------------------------------------------------------------
// HTML: execution, reuse cache, rendering
// -----------------------------------------------------------------------

// buildHTML renders an executed notebook to HTML. The speaker kind
// executes (and populates the reuse cache); the completed kind prefers a
// cached execution and filters out notes cells.
func (h *NotebookHandler) buildHTML(ctx context.Context, req *Request, nb *models.Notebook, payload *models.NotebookPayload) ([]byte, []models.BuildWarning, error) {
	var warnings []models.BuildWarning
	hostInput := h.hostPath(payload.InputFile)

	executed, err := h.lookupExecuted(ctx, hostInput, req.Job.ContentHash, payload)
	if err != nil {
		return nil, nil, err
	}

	if executed == nil && payload.Kind == models.KindCompleted && !payload.FallbackExecute {
		return nil, nil, &StructuredError{
			ErrorClass: "ExecutionCacheMiss",
			ErrorMessage: fmt.Sprintf(
				"no cached execution for %s and fallback execution is disabled", payload.InputName),
		}
	}

	if executed == nil {
		if payload.Kind == models.KindCompleted {
			warnings = append(warnings, *models.NewWarning("fallback_execute",
				fmt.Sprintf("re-executing %s for completed output; speaker execution was not cached", payload.InputName),
				payload.InputFile))
		}
		if req.IsCancelled() {
			return nil, nil, fmt.Errorf("job cancelled before execution")
		}
		executed, err = h.execute(ctx, nb, payload)
		if err != nil {
			return nil, nil, err
		}
		if h.cache != nil {
			if serr := h.cache.StoreExecutedNotebook(ctx, hostInput, req.Job.ContentHash,
				payload.Language, payload.ProgLang, executed); serr != nil {
				h.logger.Warn().Err(serr).Msg("Failed to store executed notebook")
			}
		}
	}

	if payload.Kind != models.KindSpeaker {
		executed = filterForKind(executed, payload.Kind)
	}

	htmlBytes, renderWarnings := h.renderHTML(executed, payload)
	warnings = append(warnings, renderWarnings...)
	return htmlBytes, warnings, nil
}

// lookupExecuted probes the execution-reuse cache. Misses and a nil cache
// both return (nil, nil).
func (h *NotebookHandler) lookupExecuted(ctx context.Context, hostInput, contentHash string, payload *models.NotebookPayload) (*models.Notebook, error) {
	if h.cache == nil {
		return nil, nil
	}
	nb, err := h.cache.GetExecutedNotebook(ctx, hostInput, contentHash, payload.Language, payload.ProgLang)
	if err != nil {
		// A cache read failure degrades to execution, not job failure.
		h.logger.Warn().Err(err).Msg("Executed-notebook cache read failed")
		return nil, nil
	}
	return nb, nil
}

// execute runs the notebook in a scratch directory via jupyter nbconvert
// and returns the executed tree. Supporting files from the payload are
// materialized beside the notebook first.
func (h *NotebookHandler) execute(ctx context.Context, nb *models.Notebook, payload *models.NotebookPayload) (*models.Notebook, error) {
	jupyter := h.opts.JupyterBin
	if jupyter == "" {
		found, err := exec.LookPath("jupyter")
		if err != nil {
			return nil, Permanent(&StructuredError{
				ErrorClass:   "ToolMissing",
				ErrorMessage: "jupyter: command not found (notebook execution requires a Jupyter installation)",
			})
		}
		jupyter = found
	}

	workDir, err := os.MkdirTemp("", "forge-nbexec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create execution directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := materializeOtherFiles(workDir, payload.OtherFiles); err != nil {
		return nil, err
	}

	nbPath := filepath.Join(workDir, filepath.Base(payload.InputName))
	if !strings.HasSuffix(nbPath, ".ipynb") {
		nbPath += ".ipynb"
	}
	data, err := nb.ToJSON()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(nbPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write notebook for execution: %w", err)
	}

	cmd := exec.CommandContext(ctx, jupyter, "nbconvert",
		"--to", "notebook", "--execute", "--inplace",
		"--ExecutePreprocessor.allow_errors=True",
		nbPath)
	cmd.Dir = workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StructuredError{
			ErrorClass:   "ExecutionError",
			ErrorMessage: fmt.Sprintf("notebook execution failed for %s", payload.InputName),
			Traceback:    stderr.String(),
		}
	}

	executedData, err := os.ReadFile(nbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read executed notebook: %w", err)
	}
	executed, err := models.ParseNotebook(string(executedData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse executed notebook: %w", err)
	}

	// allow_errors leaves error outputs in the tree; the first one fails
	// the job with the language-level details for the categorizer.
	if execErr := firstExecutionError(executed); execErr != nil {
		return nil, execErr
	}
	return executed, nil
}

// materializeOtherFiles decodes the payload's supporting files into the
// scratch directory.
func materializeOtherFiles(workDir string, files map[string]string) error {
	for rel, encoded := range files {
		target := filepath.Join(workDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(workDir)) {
			return fmt.Errorf("supporting file escapes work directory: %s", rel)
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("failed to decode supporting file %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("failed to write supporting file %s: %w", rel, err)
		}
	}
	return nil
}

// firstExecutionError scans executed cells for an error output and turns
// it into a structured failure carrying cell number and traceback.
func firstExecutionError(nb *models.Notebook) error {
	for i := range nb.Cells {
		cell := &nb.Cells[i]
		if cell.CellType != "code" {
			continue
		}
		for _, raw := range cell.Outputs {
			out, ok := raw.(map[string]interface{})
			if !ok || out["output_type"] != "error" {
				continue
			}
			ename, _ := out["ename"].(string)
			evalue, _ := out["evalue"].(string)
			var traceback []string
			traceback = append(traceback, fmt.Sprintf("Cell %d:", i+1))
			if lines, ok := out["traceback"].([]interface{}); ok {
				for _, l := range lines {
					if s, ok := l.(string); ok {
						traceback = append(traceback, s)
					}
				}
			}
			return &StructuredError{
				ErrorClass:   ename,
				ErrorMessage: evalue,
				Traceback:    strings.Join(traceback, "\n"),
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// HTML rendering
// -----------------------------------------------------------------------

var markdownImageRef = regexp.MustCompile(`(!\[[^\]]*\]\()([^)\s]+)(\))`)

// renderHTML renders the executed notebook to a standalone HTML document.
// Markdown cells go through goldmark; code cells and their outputs are
// emitted verbatim.
func (h *NotebookHandler) renderHTML(nb *models.Notebook, payload *models.NotebookPayload) ([]byte, []models.BuildWarning) {
	var warnings []models.BuildWarning
	var body bytes.Buffer

	svgStems := make(map[string]bool, len(payload.SVGAvailableStems))
	for _, stem := range payload.SVGAvailableStems {
		svgStems[stem] = true
	}

	for i := range nb.Cells {
		cell := &nb.Cells[i]
		switch cell.CellType {
		case "markdown":
			source := rewriteImageRefs(cell.SourceText(), payload.ImgPathPrefix, svgStems)
			var rendered bytes.Buffer
			if err := h.md.Convert([]byte(source), &rendered); err != nil {
				warnings = append(warnings, *models.NewWarning("markdown_render",
					fmt.Sprintf("cell %d: %v", i+1, err), payload.InputFile))
				rendered.Reset()
				rendered.WriteString("<pre>" + html.EscapeString(source) + "</pre>")
			}
			body.WriteString(`<div class="cell markdown">` + "\n")
			body.Write(rendered.Bytes())
			body.WriteString("</div>\n")
		case "code":
			body.WriteString(`<div class="cell code">` + "\n")
			body.WriteString("<pre><code>" + html.EscapeString(cell.SourceText()) + "</code></pre>\n")
			renderOutputs(&body, cell.Outputs, payload.InlineImages)
			body.WriteString("</div>\n")
		}
	}

	title := strings.TrimSuffix(filepath.Base(payload.InputName), filepath.Ext(payload.InputName))
	var doc bytes.Buffer
	doc.WriteString("<!DOCTYPE html>\n<html lang=\"" + html.EscapeString(payload.Language) + "\">\n<head>\n")
	doc.WriteString("<meta charset=\"utf-8\">\n")
	doc.WriteString("<title>" + html.EscapeString(title) + "</title>\n")
	doc.WriteString("</head>\n<body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("</body>\n</html>\n")
	return doc.Bytes(), warnings
}

// rewriteImageRefs applies the image path prefix and upgrades PNG
// references to SVG where one exists.
func rewriteImageRefs(source, prefix string, svgStems map[string]bool) string {
	return markdownImageRef.ReplaceAllStringFunc(source, func(match string) string {
		parts := markdownImageRef.FindStringSubmatch(match)
		ref := parts[2]
		if strings.HasSuffix(ref, ".png") {
			stem := strings.TrimSuffix(filepath.Base(ref), ".png")
			if svgStems[stem] {
				ref = strings.TrimSuffix(ref, ".png") + ".svg"
			}
		}
		if prefix != "" && !strings.Contains(ref, "://") && !strings.HasPrefix(ref, "/") {
			ref = strings.TrimSuffix(prefix, "/") + "/" + ref
		}
		return parts[1] + ref + parts[3]
	})
}

// renderOutputs emits execution outputs: streams, rich data, errors.
func renderOutputs(body *bytes.Buffer, outputs []interface{}, inlineImages bool) {
	for _, raw := range outputs {
		out, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch out["output_type"] {
		case "stream":
			body.WriteString("<pre class=\"output stream\">" +
				html.EscapeString(joinedText(out["text"])) + "</pre>\n")
		case "execute_result", "display_data":
			data, _ := out["data"].(map[string]interface{})
			renderRichData(body, data, inlineImages)
		case "error":
			ename, _ := out["ename"].(string)
			evalue, _ := out["evalue"].(string)
			body.WriteString("<pre class=\"output error\">" +
				html.EscapeString(ename+": "+evalue) + "</pre>\n")
		}
	}
}

func renderRichData(body *bytes.Buffer, data map[string]interface{}, inlineImages bool) {
	if data == nil {
		return
	}
	if png, ok := data["image/png"]; ok && inlineImages {
		body.WriteString("<img src=\"data:image/png;base64," +
			strings.TrimSpace(joinedText(png)) + "\">\n")
		return
	}
	if rawHTML, ok := data["text/html"]; ok {
		body.WriteString("<div class=\"output html\">" + joinedText(rawHTML) + "</div>\n")
		return
	}
	if text, ok := data["text/plain"]; ok {
		body.WriteString("<pre class=\"output\">" + html.EscapeString(joinedText(text)) + "</pre>\n")
	}
}

// joinedText handles nbformat's string-or-string-list convention.
func joinedText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		var sb strings.Builder
		for _, item := range t {
			if s, ok := item.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	}
	return ""
}

func (h *NotebookHandler) hostPath(path string) string {
	if h.opts.ContainerWorkspace == "" || h.opts.HostWorkspace == "" {
		return path
	}
	if strings.HasPrefix(path, h.opts.ContainerWorkspace) {
		return h.opts.HostWorkspace + strings.TrimPrefix(path, h.opts.ContainerWorkspace)
	}
	return path
}
