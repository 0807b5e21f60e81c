package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"

	"github.com/jingkaihe/skillet/pkg/manifest"
)

const docFileName = "SKILL.md"

// ErrNoDoc is returned when a skill ships no SKILL.md.
var ErrNoDoc = errors.New("no SKILL.md found")

// Discovery looks up skill docs in a list of skills directories, each
// holding one sub-directory per skill.
type Discovery struct {
	skillDirs []string
}

// Option configures a Discovery.
type Option func(*Discovery) error

// WithSkillDirs replaces the searched directories.
func WithSkillDirs(dirs ...string) Option {
	return func(d *Discovery) error {
		d.skillDirs = dirs
		return nil
	}
}

// WithDefaultDirs searches ./.skillet/skills, then ~/.skillet/skills.
func WithDefaultDirs() Option {
	return func(d *Discovery) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		d.skillDirs = []string{
			filepath.Join(".", ".skillet", "skills"),
			filepath.Join(homeDir, ".skillet", "skills"),
		}
		return nil
	}
}

// NewDiscovery creates a Discovery; without options it uses the default
// directories.
func NewDiscovery(opts ...Option) (*Discovery, error) {
	d := &Discovery{}
	if len(opts) == 0 {
		opts = []Option{WithDefaultDirs()}
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DiscoverSkills loads every doc in the configured directories. Earlier
// directories win when two docs share a name; unreadable docs are skipped.
func (d *Discovery) DiscoverSkills() map[string]*Doc {
	docs := make(map[string]*Doc)
	for _, dir := range d.skillDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			entryPath := filepath.Join(dir, entry.Name())
			info, err := os.Stat(entryPath)
			if err != nil || !info.IsDir() {
				continue
			}
			doc, err := Load(entryPath)
			if err != nil {
				continue
			}
			if _, exists := docs[doc.Name]; !exists {
				docs[doc.Name] = doc
			}
		}
	}
	return docs
}

// Find returns the doc for a manifest skill. It looks next to the skill's
// local source first, then in <manifest dir>/skills/<name>, then in the
// discovery directories.
func (d *Discovery) Find(m *manifest.Manifest, name string) (*Doc, error) {
	skill, ok := m.Skill(name)
	if !ok {
		return nil, errors.Errorf("skill '%s' not found", name)
	}

	for _, dir := range candidateDirs(m, name, skill) {
		doc, err := Load(dir)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNoDoc) {
			return nil, err
		}
	}

	if doc, ok := d.DiscoverSkills()[name]; ok {
		return doc, nil
	}
	return nil, errors.Wrapf(ErrNoDoc, "skill '%s'", name)
}

func candidateDirs(m *manifest.Manifest, name string, skill *manifest.SkillDefinition) []string {
	var dirs []string
	if src := skill.Source; src != "" && !strings.Contains(src, "://") {
		if !filepath.IsAbs(src) {
			src = filepath.Join(m.BaseDir, src)
		}
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			dirs = append(dirs, src)
		} else {
			dirs = append(dirs, filepath.Dir(src))
		}
	}
	return append(dirs, filepath.Join(m.BaseDir, "skills", name))
}

// Load parses dir/SKILL.md. The frontmatter name defaults to the directory
// name.
func Load(dir string) (*Doc, error) {
	content, err := os.ReadFile(filepath.Join(dir, docFileName))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNoDoc, dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill doc")
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	frontmatter, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid frontmatter in %s", filepath.Join(dir, docFileName))
	}

	doc := &Doc{
		Name:      filepath.Base(dir),
		Directory: dir,
		Content:   extractBodyContent(string(content)),
	}
	if name, _ := frontmatter["name"].(string); name != "" {
		doc.Name = name
	}
	doc.Description, _ = frontmatter["description"].(string)
	doc.Version = scalarString(frontmatter["version"])
	if tags, ok := frontmatter["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				doc.Tags = append(doc.Tags, s)
			}
		}
	}
	return doc, nil
}

// RenderHTML renders the doc body as HTML.
func RenderHTML(doc *Doc) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(doc.Content), &buf); err != nil {
		return "", errors.Wrap(err, "failed to render skill doc")
	}
	return buf.String(), nil
}

// scalarString accepts versions written unquoted, which YAML decodes as
// numbers.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// extractBodyContent strips YAML frontmatter.
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimLeft(strings.Join(lines[i+1:], "\n"), "\n")
		}
	}
	return content
}
