package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/internal/models"
)

func TestCategorize_NotebookCompileError(t *testing.T) {
	c := NewCategorizer()
	raw := `{"error_class":"ExecutionError","error_message":"cell failed","traceback":"Cell 4:\ninput_line_12:3:15: error: expected ';' after expression\n    std::cout << x\n              ^"}`

	buildErr := c.Categorize(models.JobTypeNotebook, "topics/a.ipynb", raw)
	assert.Equal(t, models.ErrorTypeUser, buildErr.Type)
	assert.Equal(t, "compile_error", buildErr.Category)
	assert.Equal(t, 4, buildErr.Cell)
	assert.Equal(t, 3, buildErr.Line)
	assert.Equal(t, 15, buildErr.Column)
	assert.Contains(t, buildErr.Message, "expected ';'")
	assert.Contains(t, buildErr.Snippet, "std::cout")
	assert.Equal(t, "topics/a.ipynb", buildErr.FilePath)
	assert.True(t, buildErr.Type.Cacheable())
}

func TestCategorize_NotebookPythonErrors(t *testing.T) {
	c := NewCategorizer()

	cases := []struct {
		class    string
		category string
	}{
		{"SyntaxError", "syntax_error"},
		{"IndentationError", "syntax_error"},
		{"NameError", "name_error"},
		{"ModuleNotFoundError", "missing_module"},
		{"ImportError", "missing_module"},
		{"ZeroDivisionError", "cell_execution"},
	}
	for _, tc := range cases {
		raw := `{"error_class":"` + tc.class + `","error_message":"boom","traceback":"Cell 2:\n` + tc.class + `: boom"}`
		buildErr := c.Categorize(models.JobTypeNotebook, "a.ipynb", raw)
		assert.Equal(t, models.ErrorTypeUser, buildErr.Type, tc.class)
		assert.Equal(t, tc.category, buildErr.Category, tc.class)
		assert.Equal(t, 2, buildErr.Cell, tc.class)
	}
}

func TestCategorize_NotebookInfrastructure(t *testing.T) {
	c := NewCategorizer()

	timeout := c.Categorize(models.JobTypeNotebook, "a.ipynb",
		`{"error_class":"WorkerTimeout","error_message":"job exceeded max job time 10m"}`)
	assert.Equal(t, models.ErrorTypeInfrastructure, timeout.Type)
	assert.Equal(t, "worker_timeout", timeout.Category)
	assert.False(t, timeout.Type.Cacheable())

	miss := c.Categorize(models.JobTypeNotebook, "a.ipynb",
		`{"error_class":"ExecutionCacheMiss","error_message":"no cached execution for a"}`)
	assert.Equal(t, models.ErrorTypeInfrastructure, miss.Type)
	assert.Equal(t, "execution_cache_miss", miss.Category)
}

func TestCategorize_NotebookMissingTemplate(t *testing.T) {
	c := NewCategorizer()
	buildErr := c.Categorize(models.JobTypeNotebook, "a.ipynb",
		`{"error_class":"ExecutionError","error_message":"html template not found: themes/base.html"}`)
	assert.Equal(t, models.ErrorTypeConfiguration, buildErr.Type)
	assert.Equal(t, "template_missing", buildErr.Category)
	assert.False(t, buildErr.Type.Cacheable())
}

func TestCategorize_DiagramToolMissing(t *testing.T) {
	c := NewCategorizer()

	buildErr := c.Categorize(models.JobTypePlantUML, "d.puml",
		`{"error_class":"ToolMissing","error_message":"FORGE_PLANTUML_JAR is not set; install PlantUML and point the variable at the jar"}`)
	require.Equal(t, models.ErrorTypeConfiguration, buildErr.Type)
	assert.Equal(t, "tool_missing", buildErr.Category)
	assert.Contains(t, buildErr.Guidance, "FORGE_PLANTUML_JAR")

	// Plain-text shell failure, no JSON envelope.
	buildErr = c.Categorize(models.JobTypeDrawio, "d.drawio", "drawio: command not found")
	assert.Equal(t, models.ErrorTypeConfiguration, buildErr.Type)
	assert.Contains(t, buildErr.Guidance, "FORGE_DRAWIO_BIN")
}

func TestCategorize_DiagramInputMissing(t *testing.T) {
	c := NewCategorizer()
	buildErr := c.Categorize(models.JobTypePlantUML, "d.puml",
		`{"error_class":"InputMissing","error_message":"diagram source not found: /source/d.puml"}`)
	assert.Equal(t, models.ErrorTypeConfiguration, buildErr.Type)
	assert.Equal(t, "input_missing", buildErr.Category)
	assert.Contains(t, buildErr.Guidance, "mounted")
}

func TestCategorize_DiagramRendererCrash(t *testing.T) {
	c := NewCategorizer()
	buildErr := c.Categorize(models.JobTypeDrawio, "d.drawio",
		`{"error_class":"ExportFailed","error_message":"export failed","traceback":"Fatal error in V8: allocation failure"}`)
	assert.Equal(t, models.ErrorTypeInfrastructure, buildErr.Type)
	assert.Equal(t, "renderer_crash", buildErr.Category)
}

func TestCategorize_DiagramSyntaxIsUser(t *testing.T) {
	c := NewCategorizer()
	buildErr := c.Categorize(models.JobTypePlantUML, "d.puml",
		`{"error_class":"SyntaxError","error_message":"PlantUML rejected d.puml","traceback":"Error line 3 in file d.puml"}`)
	assert.Equal(t, models.ErrorTypeUser, buildErr.Type)
	assert.Equal(t, "syntax_error", buildErr.Category)
	assert.Equal(t, "Error line 3 in file d.puml", buildErr.Snippet)
	assert.True(t, buildErr.Type.Cacheable())
}

func TestCategorize_StripsANSI(t *testing.T) {
	c := NewCategorizer()
	raw := "\x1b[31mNameError\x1b[0m: name 'x' is not defined"
	buildErr := c.Categorize(models.JobTypeNotebook, "a.ipynb", raw)
	assert.NotContains(t, buildErr.Message, "\x1b")
	assert.Contains(t, buildErr.Message, "NameError")
}

func TestStripANSI_Nested(t *testing.T) {
	raw := `{"error_class":"` + "\x1b[1mNameError\x1b[0m" + `","error_message":"` + "\x1b[31mboom\x1b[0m" + `","traceback":"` + "\x1b[31mCell 1\x1b[0m" + `"}`
	s := parseStructured(raw)
	assert.Equal(t, "NameError", s.ErrorClass)
	assert.Equal(t, "boom", s.ErrorMessage)
	assert.Equal(t, "Cell 1", s.Traceback)
}
