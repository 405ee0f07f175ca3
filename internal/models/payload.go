// -----------------------------------------------------------------------
// Payload - Tagged union of job-type-specific parameters
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind is the output flavor a derivative belongs to.
type Kind string

const (
	KindSpeaker   Kind = "speaker"
	KindCompleted Kind = "completed"
	KindCodeAlong Kind = "code-along"
)

// OutputFormat selects what the notebook worker produces.
type OutputFormat string

const (
	FormatNotebook   OutputFormat = "notebook"
	FormatHTML       OutputFormat = "html"
	FormatCode       OutputFormat = "code"
	FormatEditScript OutputFormat = "edit_script"
)

// ImageFormat selects the rendered image type for diagram jobs.
type ImageFormat string

const (
	ImageFormatPNG ImageFormat = "png"
	ImageFormatSVG ImageFormat = "svg"
)

// NotebookPayload carries everything a notebook worker needs at execution
// time. Bytes fields (OtherFiles values) are base64-encoded in transit.
type NotebookPayload struct {
	NotebookText  string       `json:"notebook_text"`
	InputFile     string       `json:"input_file"`
	InputName     string       `json:"input_name"`
	OutputFile    string       `json:"output_file"`
	Kind          Kind         `json:"kind" validate:"oneof=speaker completed code-along"`
	ProgLang      string       `json:"prog_lang"`
	Language      string       `json:"language"`
	Format        OutputFormat `json:"format" validate:"oneof=notebook html code edit_script"`
	CorrelationID string       `json:"correlation_id,omitempty"`

	// Supporting data needed at execution time, relative path -> base64 bytes.
	OtherFiles map[string]string `json:"other_files,omitempty"`

	// Used when a read-only source mount is available inside the runtime.
	SourceTopicDir string `json:"source_topic_dir,omitempty"`

	// Stems for which an SVG exists, enabling PNG->SVG reference rewrites.
	SVGAvailableStems []string `json:"svg_available_stems,omitempty"`
	ImgPathPrefix     string   `json:"img_path_prefix,omitempty"`
	InlineImages      bool     `json:"inline_images,omitempty"`
	FallbackExecute   bool     `json:"fallback_execute,omitempty"`
}

// ImagePayload carries parameters for PlantUML and Draw.io conversions.
type ImagePayload struct {
	InputFile     string      `json:"input_file"`
	OutputFile    string      `json:"output_file"`
	Format        ImageFormat `json:"format" validate:"oneof=png svg"`
	Scale         float64     `json:"scale,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Payload is the discriminated union serialized into jobs.payload.
// Exactly one variant matching Type must be set; workers treat a mismatch
// as a protocol error.
type Payload struct {
	Type     JobType          `json:"type"`
	Notebook *NotebookPayload `json:"notebook,omitempty"`
	Image    *ImagePayload    `json:"image,omitempty"`
}

// NewNotebookJobPayload wraps a notebook payload in its envelope.
func NewNotebookJobPayload(p *NotebookPayload) *Payload {
	return &Payload{Type: JobTypeNotebook, Notebook: p}
}

// NewImageJobPayload wraps an image payload for the given diagram job type.
func NewImageJobPayload(t JobType, p *ImagePayload) *Payload {
	return &Payload{Type: t, Image: p}
}

// Validate checks that the variant matches the discriminator.
func (p *Payload) Validate() error {
	switch p.Type {
	case JobTypeNotebook:
		if p.Notebook == nil {
			return fmt.Errorf("notebook payload missing for job type %s", p.Type)
		}
		if p.Image != nil {
			return fmt.Errorf("unexpected image payload for job type %s", p.Type)
		}
	case JobTypePlantUML, JobTypeDrawio:
		if p.Image == nil {
			return fmt.Errorf("image payload missing for job type %s", p.Type)
		}
		if p.Notebook != nil {
			return fmt.Errorf("unexpected notebook payload for job type %s", p.Type)
		}
	default:
		return fmt.Errorf("unknown job type: %s", p.Type)
	}
	return nil
}

// ToJSON serializes the payload for the DB boundary.
func (p *Payload) ToJSON() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// PayloadFromJSON deserializes and validates a payload blob.
func PayloadFromJSON(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// OutputMetadata canonicalizes the payload fields that affect the produced
// output into a stable cache-key discriminator. Fields that only influence
// scheduling (correlation id, other_files, fallback flags) are excluded.
func (p *Payload) OutputMetadata() string {
	fields := map[string]string{}
	switch p.Type {
	case JobTypeNotebook:
		nb := p.Notebook
		fields["kind"] = string(nb.Kind)
		fields["format"] = string(nb.Format)
		fields["lang"] = nb.Language
		fields["prog_lang"] = nb.ProgLang
		if nb.ImgPathPrefix != "" {
			fields["img_prefix"] = nb.ImgPathPrefix
		}
		if nb.InlineImages {
			fields["inline_images"] = "true"
		}
	case JobTypePlantUML, JobTypeDrawio:
		img := p.Image
		fields["format"] = string(img.Format)
		if img.Scale != 0 && img.Scale != 1 {
			fields["scale"] = fmt.Sprintf("%g", img.Scale)
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(p.Type))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, ",")
}

// CorrelationID returns the correlation id carried by the active variant.
func (p *Payload) CorrelationID() string {
	switch {
	case p.Notebook != nil:
		return p.Notebook.CorrelationID
	case p.Image != nil:
		return p.Image.CorrelationID
	}
	return ""
}
