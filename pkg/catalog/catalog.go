// Package catalog builds the read-only view of a manifest that frontends
// show to users and agents: skills, their instances and their tools with
// argument schemas.
package catalog

import (
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/resolver"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// ToolSummary describes one tool of a skill.
type ToolSummary struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema" yaml:"input_schema"`
}

// SkillSummary describes one skill.
type SkillSummary struct {
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Runtime         invocation.RuntimeKind `json:"runtime" yaml:"runtime"`
	Source          string                 `json:"source,omitempty" yaml:"source,omitempty"`
	DefaultInstance string                 `json:"default_instance,omitempty" yaml:"default_instance,omitempty"`
	Instances       []string               `json:"instances" yaml:"instances"`
	Tools           []ToolSummary          `json:"tools" yaml:"tools"`
	// Doc is the SKILL.md of the skill, when one was found.
	Doc *skills.Doc `json:"doc,omitempty" yaml:"-"`
}

// Describe summarizes every skill of m, sorted by name. docs may be nil, in
// which case SKILL.md files are not consulted.
func Describe(m *manifest.Manifest, docs *skills.Discovery) []SkillSummary {
	out := make([]SkillSummary, 0, len(m.Skills))
	for _, name := range m.SkillNames() {
		if s, _ := DescribeSkill(m, name, docs); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// DescribeSkill summarizes a single skill. A SKILL.md that exists but cannot
// be parsed is reported as an error alongside the summary built without it.
func DescribeSkill(m *manifest.Manifest, name string, docs *skills.Discovery) (*SkillSummary, error) {
	skill, ok := m.Skill(name)
	if !ok {
		return nil, invocation.NewError(invocation.StageResolve, invocation.KindSkillNotFound, "skill '%s' is not declared", name)
	}

	runtime, _ := invocation.ParseRuntimeKind(skill.Runtime)
	summary := &SkillSummary{
		Name:            name,
		Description:     skill.Description,
		Runtime:         runtime,
		Source:          skill.Source,
		DefaultInstance: skill.PreferredInstance(),
		Instances:       skill.InstanceNames(),
		Tools:           make([]ToolSummary, 0, len(skill.Tools)),
	}
	for _, toolName := range skill.ToolNames() {
		tool := skill.Tools[toolName]
		if tool == nil {
			tool = &manifest.Tool{}
		}
		summary.Tools = append(summary.Tools, ToolSummary{
			Name:        toolName,
			Description: tool.Description,
			InputSchema: resolver.ToolSchema(tool),
		})
	}

	if docs != nil {
		doc, err := docs.Find(m, name)
		switch {
		case err == nil:
			summary.Doc = doc
			if summary.Description == "" {
				summary.Description = doc.Description
			}
		case !errors.Is(err, skills.ErrNoDoc):
			return summary, err
		}
	}
	return summary, nil
}
