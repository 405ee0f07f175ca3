// -----------------------------------------------------------------------
// Pipeline Driver - Staged walk of the course file set
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/course"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// submitConcurrency bounds concurrent ExecuteOperation calls per stage.
const submitConcurrency = 16

// Orchestrator is the slice of the backend the driver depends on.
type Orchestrator interface {
	ExecuteOperation(ctx context.Context, op *models.Operation) error
	WaitForCompletion(ctx context.Context) (bool, error)
	CopyFileToOutput(src, dst string) error
}

// Options configure output layout and execution policy.
type Options struct {
	OutputDir string
	// ImageMode "shared" puts every diagram under a single img/ root;
	// "per-topic" nests them under each topic.
	ImageMode       string
	InlineImages    bool
	FallbackExecute bool
}

// copyTask is one copy-stage file.
type copyTask struct {
	src string
	dst string
}

// plan is the pre-scanned work, grouped by stage.
type plan struct {
	ops        map[models.Stage][]*models.Operation
	copies     []copyTask
	outputDirs map[string]bool
	warnings   []string
}

// Driver walks every course file x output target x stage, submits the
// operations through the backend and reports progress. Stages run to
// completion in fixed order; within a stage order is unconstrained.
type Driver struct {
	logger   arbor.ILogger
	backend  Orchestrator
	reporter interfaces.Reporter
	opts     Options
}

// New builds a driver.
func New(logger arbor.ILogger, backend Orchestrator, reporter interfaces.Reporter, opts Options) *Driver {
	if opts.ImageMode == "" {
		opts.ImageMode = "per-topic"
	}
	return &Driver{
		logger:   logger,
		backend:  backend,
		reporter: reporter,
		opts:     opts,
	}
}

// Run builds the course. Returns true iff every stage completed without
// failures; an error is fatal and aborts remaining stages.
func (d *Driver) Run(ctx context.Context, c *course.Course) (bool, error) {
	p, err := d.buildPlan(c)
	if err != nil {
		return false, err
	}

	for _, issue := range c.Issues {
		d.reporter.Warning(models.NewWarning("course", issue, ""))
	}
	for _, w := range p.warnings {
		d.reporter.Warning(models.NewWarning("pipeline", w, ""))
	}

	// Batch mkdir before any submission so container bind mounts and
	// concurrent writers all see the directories.
	for dir := range p.outputDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}

	okAll := true
	for _, stage := range models.Stages() {
		if stage == models.StageCopy {
			if !d.runCopyStage(p.copies) {
				okAll = false
			}
			continue
		}
		ops := p.ops[stage]
		if len(ops) == 0 {
			continue
		}
		ok, err := d.runStage(ctx, stage, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			okAll = false
		}
	}
	return okAll, nil
}

// runStage submits all operations concurrently and awaits the drain.
func (d *Driver) runStage(ctx context.Context, stage models.Stage, ops []*models.Operation) (bool, error) {
	d.reporter.StageStarted(stage, len(ops))
	d.logger.Info().Str("stage", stage.String()).Int("operations", len(ops)).Msg("Stage started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(submitConcurrency)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			return d.backend.ExecuteOperation(gctx, op)
		})
	}
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("stage %s aborted: %w", stage, err)
	}

	ok, err := d.backend.WaitForCompletion(ctx)
	if err != nil {
		return false, fmt.Errorf("stage %s did not complete: %w", stage, err)
	}

	d.reporter.StageFinished(stage)
	return ok, nil
}

// runCopyStage mirrors plain assets into the output tree.
func (d *Driver) runCopyStage(copies []copyTask) bool {
	if len(copies) == 0 {
		return true
	}
	d.reporter.StageStarted(models.StageCopy, len(copies))

	ok := true
	for _, task := range copies {
		if err := d.backend.CopyFileToOutput(task.src, task.dst); err != nil {
			d.reporter.Error(&models.BuildError{
				Type:     models.ErrorTypeInfrastructure,
				Category: "copy_failed",
				Severity: models.SeverityError,
				Message:  err.Error(),
				FilePath: task.src,
			})
			ok = false
			continue
		}
		d.reporter.Completed(task.src)
	}

	d.reporter.StageFinished(models.StageCopy)
	return ok
}

// -----------------------------------------------------------------------
// Pre-scan planning
// -----------------------------------------------------------------------

// buildPlan walks the course into per-stage operations and applies the
// pre-scan invariants: duplicate outputs warn, shared-image collisions
// are fatal before any submission.
func (d *Driver) buildPlan(c *course.Course) (*plan, error) {
	p := &plan{
		ops:        make(map[models.Stage][]*models.Operation),
		outputDirs: make(map[string]bool),
	}
	svgStems := c.SVGStems()

	// Shared image mode flattens filenames; two distinct sources with the
	// same stem would silently overwrite each other.
	if d.opts.ImageMode == "shared" {
		byOutput := map[string]string{}
		for _, f := range c.DiagramFiles() {
			out := d.imagePath(f)
			if prev, ok := byOutput[out]; ok && prev != f.RelPath {
				return nil, fmt.Errorf("image filename collision in shared mode: %s and %s both produce %s",
					prev, f.RelPath, out)
			}
			byOutput[out] = f.RelPath
		}
	}

	for _, f := range c.DiagramFiles() {
		service := "plantuml"
		if f.Kind == course.FileKindDrawio {
			service = "drawio"
		}
		out := d.imagePath(f)
		d.addOp(p, models.StageImages, &models.Operation{
			ServiceName:   service,
			InputFile:     f.RelPath,
			OutputFile:    out,
			ContentHash:   f.Hash,
			Stage:         models.StageImages,
			CorrelationID: common.NewCorrelationID(),
			Payload: models.NewImageJobPayload(jobTypeForService(service), &models.ImagePayload{
				InputFile:  f.RelPath,
				OutputFile: out,
				Format:     models.ImageFormatPNG,
			}),
		})
	}

	for _, lang := range c.Languages {
		for _, f := range c.NotebookFiles() {
			text, err := os.ReadFile(f.Path)
			if err != nil {
				p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", f.RelPath, err))
				continue
			}
			d.planNotebook(p, c, f, lang, string(text), svgStems)
		}
	}

	for _, f := range c.AssetFiles() {
		p.copies = append(p.copies, copyTask{
			src: f.Path,
			dst: filepath.Join(f.TopicID, filepath.Base(f.RelPath)),
		})
		p.outputDirs[filepath.Join(d.opts.OutputDir, f.TopicID)] = true
	}

	return p, nil
}

// planNotebook emits every derivative of one notebook for one language.
func (d *Driver) planNotebook(p *plan, c *course.Course, f *course.File, lang, text string, svgStems []string) {
	hasKind := func(k models.Kind) bool {
		for _, kind := range c.Kinds {
			if kind == k {
				return true
			}
		}
		return false
	}
	prefix := d.langPrefix(c, lang)
	stem := f.Stem()

	newPayload := func(kind models.Kind, format models.OutputFormat, out string) *models.Payload {
		return models.NewNotebookJobPayload(&models.NotebookPayload{
			NotebookText:      text,
			InputFile:         f.RelPath,
			InputName:         filepath.Base(f.RelPath),
			OutputFile:        out,
			Kind:              kind,
			ProgLang:          c.ProgLang,
			Language:          lang,
			Format:            format,
			SVGAvailableStems: svgStems,
			ImgPathPrefix:     d.imgPrefix(),
			InlineImages:      d.opts.InlineImages,
			FallbackExecute:   kind != models.KindCompleted || d.opts.FallbackExecute,
		})
	}
	add := func(stage models.Stage, kind models.Kind, format models.OutputFormat, out string) {
		payload := newPayload(kind, format, out)
		payload.Notebook.CorrelationID = common.NewCorrelationID()
		d.addOp(p, stage, &models.Operation{
			ServiceName:   "notebook",
			InputFile:     f.RelPath,
			OutputFile:    out,
			ContentHash:   f.Hash,
			Stage:         stage,
			CorrelationID: payload.Notebook.CorrelationID,
			Payload:       payload,
		})
	}

	if hasKind(models.KindCompleted) {
		add(models.StageNotebooks, models.KindCompleted, models.FormatNotebook,
			filepath.Join(prefix, f.TopicID, "completed", stem+".ipynb"))
		add(models.StageNotebooks, models.KindCompleted, models.FormatCode,
			filepath.Join(prefix, f.TopicID, "code", stem+codeExt(c.ProgLang)))
	}
	if hasKind(models.KindCodeAlong) {
		add(models.StageNotebooks, models.KindCodeAlong, models.FormatNotebook,
			filepath.Join(prefix, f.TopicID, "code-along", stem+".ipynb"))
		add(models.StageNotebooks, models.KindCodeAlong, models.FormatEditScript,
			filepath.Join(prefix, f.TopicID, "code-along", stem+".edits.txt"))
	}

	// The speaker execution populates the reuse cache the completed HTML
	// derives from, so it runs even when the speaker target itself is not
	// requested.
	switch {
	case hasKind(models.KindSpeaker):
		add(models.StageHTMLSpeaker, models.KindSpeaker, models.FormatHTML,
			filepath.Join(prefix, f.TopicID, "speaker", stem+".html"))
	case hasKind(models.KindCompleted):
		add(models.StageHTMLSpeaker, models.KindSpeaker, models.FormatHTML,
			filepath.Join(prefix, f.TopicID, ".exec", stem+".html"))
	}

	if hasKind(models.KindCompleted) {
		add(models.StageHTMLCompleted, models.KindCompleted, models.FormatHTML,
			filepath.Join(prefix, f.TopicID, "completed", stem+".html"))
	}
}

// addOp records an operation, dropping duplicate output paths with a
// warning. First writer wins.
func (d *Driver) addOp(p *plan, stage models.Stage, op *models.Operation) {
	for _, existing := range p.ops[stage] {
		if existing.OutputFile == op.OutputFile {
			p.warnings = append(p.warnings, fmt.Sprintf(
				"duplicate output %s from %s and %s", op.OutputFile, existing.InputFile, op.InputFile))
			return
		}
	}
	p.ops[stage] = append(p.ops[stage], op)
	p.outputDirs[filepath.Dir(filepath.Join(d.opts.OutputDir, op.OutputFile))] = true
}

// -----------------------------------------------------------------------
// Layout helpers
// -----------------------------------------------------------------------

func (d *Driver) imagePath(f *course.File) string {
	name := f.Stem() + ".png"
	if d.opts.ImageMode == "shared" {
		return filepath.Join("img", name)
	}
	return filepath.Join(f.TopicID, "img", name)
}

// imgPrefix is the relative path from a rendered HTML file to its images.
func (d *Driver) imgPrefix() string {
	if d.opts.ImageMode == "shared" {
		return "../../img"
	}
	return "../img"
}

// langPrefix nests outputs per language only for multilingual courses.
func (d *Driver) langPrefix(c *course.Course, lang string) string {
	if len(c.Languages) <= 1 {
		return ""
	}
	return lang
}

func jobTypeForService(service string) models.JobType {
	if service == "drawio" {
		return models.JobTypeDrawio
	}
	return models.JobTypePlantUML
}

func codeExt(progLang string) string {
	switch progLang {
	case "python":
		return ".py"
	case "cpp", "c++":
		return ".cpp"
	case "c":
		return ".c"
	case "go":
		return ".go"
	case "rust":
		return ".rs"
	case "java":
		return ".java"
	}
	return ".txt"
}
