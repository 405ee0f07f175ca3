package course

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/internal/models"
)

func writeCourse(t *testing.T, dir, spec string, files map[string]string) string {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	specPath := filepath.Join(dir, "course.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(spec), 0644))
	return specPath
}

const sampleSpec = `
name: go-course
prog_lang: python
languages: [en]
kinds: [speaker, completed]
sections:
  - name: Basics
    topics:
      - id: intro
        dir: 01-intro
        files:
          - intro.ipynb
          - arch.puml
          - data.csv
      - id: flow
        dir: 02-flow
        files:
          - flow.ipynb
          - pipeline.drawio
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	specPath := writeCourse(t, dir, sampleSpec, map[string]string{
		"01-intro/intro.ipynb":    `{"cells":[]}`,
		"01-intro/arch.puml":      "@startuml\n@enduml",
		"01-intro/data.csv":       "a,b",
		"02-flow/flow.ipynb":      `{"cells":[]}`,
		"02-flow/pipeline.drawio": "<mxfile/>",
	})

	c, err := Load(specPath)
	require.NoError(t, err)
	assert.Equal(t, "go-course", c.Name)
	assert.Equal(t, []models.Kind{models.KindSpeaker, models.KindCompleted}, c.Kinds)
	assert.Empty(t, c.Issues)
	assert.Len(t, c.Files, 5)

	notebooks := c.NotebookFiles()
	require.Len(t, notebooks, 2)
	assert.Equal(t, filepath.Join("01-intro", "intro.ipynb"), notebooks[0].RelPath)
	assert.Equal(t, "intro", notebooks[0].TopicID)
	assert.NotEmpty(t, notebooks[0].Hash)

	diagrams := c.DiagramFiles()
	require.Len(t, diagrams, 2)
	assert.Equal(t, FileKindPlantUML, diagrams[0].Kind)
	assert.Equal(t, FileKindDrawio, diagrams[1].Kind)

	assets := c.AssetFiles()
	require.Len(t, assets, 1)
	assert.Equal(t, "data", assets[0].Stem())
}

func TestLoad_MissingFileBecomesIssue(t *testing.T) {
	dir := t.TempDir()
	specPath := writeCourse(t, dir, sampleSpec, map[string]string{
		"01-intro/intro.ipynb": `{"cells":[]}`,
		"01-intro/arch.puml":   "@startuml\n@enduml",
		"01-intro/data.csv":    "a,b",
		"02-flow/flow.ipynb":   `{"cells":[]}`,
		// pipeline.drawio deliberately absent
	})

	c, err := Load(specPath)
	require.NoError(t, err)
	require.Len(t, c.Issues, 1)
	assert.Contains(t, c.Issues[0], "pipeline.drawio")
	assert.Len(t, c.Files, 4)
}

func TestLoad_DuplicateTopicAndBadKind(t *testing.T) {
	dir := t.TempDir()
	spec := `
name: broken
kinds: [speaker, transcript]
sections:
  - name: S
    topics:
      - id: a
        files: [a.ipynb]
      - id: a
        files: [b.ipynb]
`
	specPath := writeCourse(t, dir, spec, map[string]string{
		"a/a.ipynb": `{"cells":[]}`,
		"a/b.ipynb": `{"cells":[]}`,
	})

	c, err := Load(specPath)
	require.NoError(t, err)
	assert.Len(t, c.Files, 1)
	require.Len(t, c.Issues, 2)
	assert.Contains(t, c.Issues[0], "transcript")
	assert.Contains(t, c.Issues[1], "duplicate topic")
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	specPath := writeCourse(t, dir, "name: minimal\nsections: []\n", nil)

	c, err := Load(specPath)
	require.NoError(t, err)
	assert.Equal(t, "python", c.ProgLang)
	assert.Equal(t, []string{"en"}, c.Languages)
	assert.Len(t, c.Kinds, 3)
}

func TestSVGStems(t *testing.T) {
	dir := t.TempDir()
	spec := `
name: svg
sections:
  - name: S
    topics:
      - id: a
        files: [arch.puml, arch.svg, other.csv]
`
	specPath := writeCourse(t, dir, spec, map[string]string{
		"a/arch.puml": "@startuml\n@enduml",
		"a/arch.svg":  "<svg/>",
		"a/other.csv": "x",
	})

	c, err := Load(specPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"arch"}, c.SVGStems())
}
