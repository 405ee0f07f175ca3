// -----------------------------------------------------------------------
// Result - Cached successful artifact
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// ResultKind discriminates the typed payload of a cached result.
type ResultKind string

const (
	ResultKindNotebook ResultKind = "notebook-result"
	ResultKindImage    ResultKind = "image-result"
)

// Result is a cached successful artifact, keyed by
// (InputFile, ContentHash, OutputMetadata). Notebook results carry text,
// image results raw bytes.
type Result struct {
	Kind           ResultKind `json:"kind"`
	InputFile      string     `json:"input_file"`
	ContentHash    string     `json:"content_hash"`
	OutputMetadata string     `json:"output_metadata"`
	CorrelationID  string     `json:"correlation_id,omitempty"`

	NotebookText string `json:"notebook_text,omitempty"`
	ImageBytes   []byte `json:"image_bytes,omitempty"`

	StoredAt time.Time `json:"stored_at"`
}

// NewNotebookResult builds a notebook-kind result.
func NewNotebookResult(inputFile, contentHash, outputMetadata, correlationID, text string) *Result {
	return &Result{
		Kind:           ResultKindNotebook,
		InputFile:      inputFile,
		ContentHash:    contentHash,
		OutputMetadata: outputMetadata,
		CorrelationID:  correlationID,
		NotebookText:   text,
	}
}

// NewImageResult builds an image-kind result.
func NewImageResult(inputFile, contentHash, outputMetadata, correlationID string, data []byte) *Result {
	return &Result{
		Kind:           ResultKindImage,
		InputFile:      inputFile,
		ContentHash:    contentHash,
		OutputMetadata: outputMetadata,
		CorrelationID:  correlationID,
		ImageBytes:     data,
	}
}

// Bytes returns the artifact content to write to the output file.
func (r *Result) Bytes() []byte {
	if r.Kind == ResultKindNotebook {
		return []byte(r.NotebookText)
	}
	return r.ImageBytes
}

// Validate checks the key fields and kind/payload consistency.
func (r *Result) Validate() error {
	if r.InputFile == "" || r.ContentHash == "" || r.OutputMetadata == "" {
		return fmt.Errorf("result key fields are required")
	}
	switch r.Kind {
	case ResultKindNotebook:
		if r.NotebookText == "" {
			return fmt.Errorf("notebook result has no text")
		}
	case ResultKindImage:
		if len(r.ImageBytes) == 0 {
			return fmt.Errorf("image result has no bytes")
		}
	default:
		return fmt.Errorf("unknown result kind: %s", r.Kind)
	}
	return nil
}
