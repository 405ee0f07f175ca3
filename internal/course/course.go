// -----------------------------------------------------------------------
// Course - YAML course spec loaded into a deterministic file set
// -----------------------------------------------------------------------

package course

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
)

// FileKind classifies what the pipeline does with a course file.
type FileKind string

const (
	FileKindNotebook FileKind = "notebook"
	FileKindPlantUML FileKind = "plantuml"
	FileKindDrawio   FileKind = "drawio"
	FileKindAsset    FileKind = "asset"
)

// Spec is the on-disk YAML shape of a course definition.
type Spec struct {
	Name      string    `yaml:"name"`
	ProgLang  string    `yaml:"prog_lang"`
	Languages []string  `yaml:"languages"`
	Kinds     []string  `yaml:"kinds"`
	Sections  []Section `yaml:"sections"`
}

// Section groups topics for ordering; the pipeline flattens it.
type Section struct {
	Name   string  `yaml:"name"`
	Topics []Topic `yaml:"topics"`
}

// Topic is one directory of source material.
type Topic struct {
	ID    string   `yaml:"id"`
	Dir   string   `yaml:"dir"`
	Files []string `yaml:"files"`
}

// File is one resolved course file with its content hash.
type File struct {
	Kind     FileKind
	Path     string // on-disk location
	RelPath  string // course-relative, the pipeline's input_file key
	TopicID  string
	TopicDir string
	Hash     string
}

// Stem returns the file name without extension.
func (f *File) Stem() string {
	base := filepath.Base(f.RelPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Course is a loaded spec: the deterministic file set plus any issues
// found while loading. Issues are reported, not fatal; a missing file
// simply never produces output.
type Course struct {
	Name      string
	RootDir   string
	ProgLang  string
	Languages []string
	Kinds     []models.Kind
	Files     []*File
	Issues    []string
}

// NotebookFiles returns the notebooks in course order.
func (c *Course) NotebookFiles() []*File {
	return c.filesOfKind(FileKindNotebook)
}

// DiagramFiles returns PlantUML and Draw.io sources in course order.
func (c *Course) DiagramFiles() []*File {
	out := make([]*File, 0)
	for _, f := range c.Files {
		if f.Kind == FileKindPlantUML || f.Kind == FileKindDrawio {
			out = append(out, f)
		}
	}
	return out
}

// AssetFiles returns plain files the copy stage mirrors to the output.
func (c *Course) AssetFiles() []*File {
	return c.filesOfKind(FileKindAsset)
}

func (c *Course) filesOfKind(kind FileKind) []*File {
	out := make([]*File, 0)
	for _, f := range c.Files {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// SVGStems returns the stems of diagram files that have an SVG sibling in
// the course, enabling PNG->SVG reference rewrites in rendered HTML.
func (c *Course) SVGStems() []string {
	stems := map[string]bool{}
	for _, f := range c.Files {
		if f.Kind == FileKindAsset && strings.EqualFold(filepath.Ext(f.RelPath), ".svg") {
			stems[f.Stem()] = true
		}
	}
	out := make([]string, 0, len(stems))
	for s := range stems {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Load reads a YAML course spec and resolves every listed file relative
// to the spec's directory. The returned course is deterministic: files
// appear in section/topic/list order regardless of filesystem order.
func Load(specPath string) (*Course, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read course spec %s: %w", specPath, err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse course spec %s: %w", specPath, err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("course spec %s has no name", specPath)
	}

	course := &Course{
		Name:      spec.Name,
		RootDir:   filepath.Dir(specPath),
		ProgLang:  spec.ProgLang,
		Languages: spec.Languages,
	}
	if course.ProgLang == "" {
		course.ProgLang = "python"
	}
	if len(course.Languages) == 0 {
		course.Languages = []string{"en"}
	}

	kinds, issues := parseKinds(spec.Kinds)
	course.Kinds = kinds
	course.Issues = append(course.Issues, issues...)

	seenTopics := map[string]bool{}
	for _, section := range spec.Sections {
		for _, topic := range section.Topics {
			if topic.ID == "" {
				course.Issues = append(course.Issues,
					fmt.Sprintf("section %q has a topic without an id", section.Name))
				continue
			}
			if seenTopics[topic.ID] {
				course.Issues = append(course.Issues,
					fmt.Sprintf("duplicate topic id %q", topic.ID))
				continue
			}
			seenTopics[topic.ID] = true

			dir := topic.Dir
			if dir == "" {
				dir = topic.ID
			}
			for _, name := range topic.Files {
				rel := filepath.Join(dir, name)
				path := filepath.Join(course.RootDir, rel)
				hash, err := common.HashFile(path)
				if err != nil {
					course.Issues = append(course.Issues,
						fmt.Sprintf("topic %q: %s: %v", topic.ID, rel, err))
					continue
				}
				course.Files = append(course.Files, &File{
					Kind:     classify(name),
					Path:     path,
					RelPath:  rel,
					TopicID:  topic.ID,
					TopicDir: dir,
					Hash:     hash,
				})
			}
		}
	}
	return course, nil
}

// parseKinds validates the output-kind list, defaulting to all three.
func parseKinds(names []string) ([]models.Kind, []string) {
	if len(names) == 0 {
		return []models.Kind{models.KindSpeaker, models.KindCompleted, models.KindCodeAlong}, nil
	}
	var kinds []models.Kind
	var issues []string
	for _, name := range names {
		switch models.Kind(name) {
		case models.KindSpeaker, models.KindCompleted, models.KindCodeAlong:
			kinds = append(kinds, models.Kind(name))
		default:
			issues = append(issues, fmt.Sprintf("unknown output kind %q", name))
		}
	}
	return kinds, issues
}

func classify(name string) FileKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ipynb":
		return FileKindNotebook
	case ".puml", ".plantuml":
		return FileKindPlantUML
	case ".drawio":
		return FileKindDrawio
	}
	return FileKindAsset
}
