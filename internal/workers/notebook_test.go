package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/models"
)

func tagged(tags ...string) map[string]interface{} {
	items := make([]interface{}, len(tags))
	for i, tag := range tags {
		items[i] = tag
	}
	return map[string]interface{}{"tags": items}
}

func sampleNotebook() *models.Notebook {
	return &models.Notebook{
		NBFormat:      4,
		NBFormatMinor: 5,
		Cells: []models.NotebookCell{
			{CellType: "markdown", Source: []string{"# Title"}},
			{CellType: "markdown", Source: []string{"speaker only"}, Metadata: tagged(notesTag)},
			{CellType: "code", Source: []string{"x = 1\n", "print(x)"}},
			{CellType: "code", Source: []string{"import os"}, Metadata: tagged(keepTag)},
		},
	}
}

func notebookRequest(t *testing.T, nb *models.Notebook, kind models.Kind, format models.OutputFormat) *Request {
	t.Helper()
	data, err := nb.ToJSON()
	require.NoError(t, err)

	payload := &models.NotebookPayload{
		NotebookText: string(data),
		InputFile:    "course/topic/sample.ipynb",
		InputName:    "sample.ipynb",
		OutputFile:   "out/sample",
		Kind:         kind,
		ProgLang:     "python",
		Language:     "en",
		Format:       format,
	}
	job := &models.Job{
		ID:          "job_test",
		Type:        models.JobTypeNotebook,
		InputFile:   payload.InputFile,
		OutputFile:  payload.OutputFile,
		ContentHash: "hash1",
	}
	return &Request{
		Job:         job,
		Payload:     models.NewNotebookJobPayload(payload),
		IsCancelled: func() bool { return false },
	}
}

func TestFilterForKind(t *testing.T) {
	nb := sampleNotebook()

	speaker := filterForKind(nb, models.KindSpeaker)
	assert.Len(t, speaker.Cells, 4)

	completed := filterForKind(nb, models.KindCompleted)
	require.Len(t, completed.Cells, 3)
	for i := range completed.Cells {
		assert.False(t, completed.Cells[i].HasTag(notesTag))
	}

	codeAlong := filterForKind(nb, models.KindCodeAlong)
	require.Len(t, codeAlong.Cells, 3)
	// Untagged code cells are blanked for fill-in; keep-tagged survive.
	assert.Equal(t, "", codeAlong.Cells[1].SourceText())
	assert.Equal(t, "import os", codeAlong.Cells[2].SourceText())
	// The original tree is untouched.
	assert.Equal(t, "x = 1\nprint(x)", nb.Cells[2].SourceText())
}

func TestNotebookHandler_BuildNotebook(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	req := notebookRequest(t, sampleNotebook(), models.KindCompleted, models.FormatNotebook)

	data, warnings, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	out, err := models.ParseNotebook(string(data))
	require.NoError(t, err)
	assert.Len(t, out.Cells, 3)
}

func TestNotebookHandler_BuildCode(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	req := notebookRequest(t, sampleNotebook(), models.KindSpeaker, models.FormatCode)

	data, _, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# --- cell 1 ---")
	assert.Contains(t, text, "print(x)")
	assert.Contains(t, text, "import os")
}

func TestNotebookHandler_BuildCodeEmptyFails(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	nb := &models.Notebook{
		NBFormat: 4,
		Cells:    []models.NotebookCell{{CellType: "markdown", Source: []string{"prose only"}}},
	}
	req := notebookRequest(t, nb, models.KindSpeaker, models.FormatCode)

	_, _, err := h.Handle(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EmptyCodeExtract")
}

func TestNotebookHandler_BuildEditScript(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	req := notebookRequest(t, sampleNotebook(), models.KindCodeAlong, models.FormatEditScript)

	data, _, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	text := string(data)
	// The fill-in cell appears; the keep-tagged cell does not.
	assert.Contains(t, text, "print(x)")
	assert.NotContains(t, text, "import os")
	assert.Contains(t, text, "===== edit 1 =====")
}

func TestNotebookHandler_ParseErrorIsStructured(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	payload := &models.NotebookPayload{
		NotebookText: "{not json",
		InputFile:    "a.ipynb",
		InputName:    "a.ipynb",
		OutputFile:   "out/a",
		Kind:         models.KindSpeaker,
		Format:       models.FormatNotebook,
	}
	req := &Request{
		Job:         &models.Job{ID: "job_x", Type: models.JobTypeNotebook},
		Payload:     models.NewNotebookJobPayload(payload),
		IsCancelled: func() bool { return false },
	}

	_, _, err := h.Handle(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotebookParseError")
}

func TestRenderHTML(t *testing.T) {
	h := NewNotebookHandler(arbor.NewLogger(), nil, NotebookHandlerOptions{})
	one := 1
	nb := &models.Notebook{
		NBFormat: 4,
		Cells: []models.NotebookCell{
			{CellType: "markdown", Source: []string{"# Heading\n\nSome *text*."}},
			{
				CellType:       "code",
				Source:         []string{"print('hi')"},
				ExecutionCount: &one,
				Outputs: []interface{}{
					map[string]interface{}{
						"output_type": "stream",
						"text":        []interface{}{"hi\n"},
					},
				},
			},
		},
	}
	payload := &models.NotebookPayload{
		InputName: "sample.ipynb",
		Language:  "en",
	}

	data, warnings := h.renderHTML(nb, payload)
	assert.Empty(t, warnings)

	htmlText := string(data)
	assert.Contains(t, htmlText, "<h1")
	assert.Contains(t, htmlText, "<em>text</em>")
	assert.Contains(t, htmlText, "print(&#39;hi&#39;)")
	assert.Contains(t, htmlText, `<pre class="output stream">hi`)
	assert.Contains(t, htmlText, "<title>sample</title>")
}

func TestRewriteImageRefs(t *testing.T) {
	stems := map[string]bool{"diagram": true}

	src := "see ![d](img/diagram.png) and ![o](img/other.png)"
	out := rewriteImageRefs(src, "", stems)
	assert.Contains(t, out, "img/diagram.svg")
	assert.Contains(t, out, "img/other.png")

	out = rewriteImageRefs("![d](diagram.png)", "../shared", stems)
	assert.Contains(t, out, "../shared/diagram.svg")

	// Absolute and external refs are left alone.
	out = rewriteImageRefs("![d](https://x/y.png)", "../shared", nil)
	assert.Contains(t, out, "https://x/y.png")
}

func TestFirstExecutionError(t *testing.T) {
	nb := &models.Notebook{
		NBFormat: 4,
		Cells: []models.NotebookCell{
			{CellType: "code", Source: []string{"ok"}},
			{CellType: "code", Source: []string{"boom"}, Outputs: []interface{}{
				map[string]interface{}{
					"output_type": "error",
					"ename":       "NameError",
					"evalue":      "name 'x' is not defined",
					"traceback":   []interface{}{"Traceback line"},
				},
			}},
		},
	}

	err := firstExecutionError(nb)
	require.Error(t, err)
	serr, ok := err.(*StructuredError)
	require.True(t, ok)
	assert.Equal(t, "NameError", serr.ErrorClass)
	assert.True(t, strings.HasPrefix(serr.Traceback, "Cell 2:"))

	assert.NoError(t, firstExecutionError(&models.Notebook{NBFormat: 4}))
}

func TestCommentPrefix(t *testing.T) {
	assert.Equal(t, "#", commentPrefix("python"))
	assert.Equal(t, "//", commentPrefix("cpp"))
	assert.Equal(t, "//", commentPrefix("C++"))
	assert.Equal(t, "#", commentPrefix(""))
}
