// -----------------------------------------------------------------------
// Notebook - Minimal nbformat tree used by execution and the reuse cache
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Notebook is the subset of the Jupyter nbformat v4 tree this system reads
// and writes. Unknown metadata is preserved through the raw maps.
type Notebook struct {
	Cells         []NotebookCell         `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

// NotebookCell is a single code or markdown cell.
type NotebookCell struct {
	CellType       string                 `json:"cell_type"`
	Source         []string               `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
	Outputs        []interface{}          `json:"outputs,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
}

// SourceText joins the cell source lines.
func (c *NotebookCell) SourceText() string {
	return strings.Join(c.Source, "")
}

// Tags returns the cell's metadata tags, if any.
func (c *NotebookCell) Tags() []string {
	raw, ok := c.Metadata["tags"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// HasTag reports whether the cell carries the given tag.
func (c *NotebookCell) HasTag(tag string) bool {
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// ParseNotebook deserializes notebook JSON text.
func ParseNotebook(text string) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal([]byte(text), &nb); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}
	if nb.NBFormat == 0 {
		nb.NBFormat = 4
	}
	return &nb, nil
}

// ToJSON serializes the notebook tree.
func (nb *Notebook) ToJSON() ([]byte, error) {
	if nb.Metadata == nil {
		nb.Metadata = map[string]interface{}{}
	}
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notebook: %w", err)
	}
	return data, nil
}

// FilterCells returns a copy of the notebook keeping only cells for which
// keep returns true. Used to derive the completed flavor from the executed
// speaker notebook without re-execution.
func (nb *Notebook) FilterCells(keep func(*NotebookCell) bool) *Notebook {
	out := &Notebook{
		Metadata:      nb.Metadata,
		NBFormat:      nb.NBFormat,
		NBFormatMinor: nb.NBFormatMinor,
	}
	for i := range nb.Cells {
		if keep(&nb.Cells[i]) {
			out.Cells = append(out.Cells, nb.Cells[i])
		}
	}
	return out
}
