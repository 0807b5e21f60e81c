// Package skills loads the human-facing documentation of a skill: a
// SKILL.md file with YAML frontmatter that lives next to the skill's
// artifact or in a skills directory.
package skills

// Doc is the parsed SKILL.md of one skill.
type Doc struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Directory   string   `json:"directory"`
	// Content is the markdown body without frontmatter.
	Content string `json:"content"`
}

// Metadata is the frontmatter of a SKILL.md file.
type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Tags        []string `yaml:"tags"`
}
