package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const testManifest = `
[skills.echo]
runtime = "native"
description = "Print things"
native = { command = "echo" }

[skills.echo.tools.say]
description = "say a word"
parameters = [{ name = "word", type = "string", required = true }]

[skills.echo.tools.shout]

[skills.echo.instances.loud]
[skills.echo.instances.default]

[skills.calc]
runtime = "wasm"
source = "calc/calc.wasm"
`

func loadManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	m.BaseDir = t.TempDir()
	return m
}

func TestDescribe(t *testing.T) {
	m := loadManifest(t)

	summaries := Describe(m, nil)
	require.Len(t, summaries, 2)
	assert.Equal(t, "calc", summaries[0].Name)
	assert.Equal(t, invocation.RuntimeComponent, summaries[0].Runtime)
	assert.Empty(t, summaries[0].Tools)
	assert.Empty(t, summaries[0].DefaultInstance)

	echo := summaries[1]
	assert.Equal(t, "Print things", echo.Description)
	assert.Equal(t, invocation.RuntimeNative, echo.Runtime)
	assert.Equal(t, "default", echo.DefaultInstance)
	assert.Equal(t, []string{"loud", "default"}, echo.Instances)
	require.Len(t, echo.Tools, 2)
	assert.Equal(t, "say", echo.Tools[0].Name)
	assert.Equal(t, []string{"word"}, echo.Tools[0].InputSchema["required"])
	assert.Equal(t, "shout", echo.Tools[1].Name)
	assert.Equal(t, "object", echo.Tools[1].InputSchema["type"])
}

func TestDescribeSkillUsesDocDescription(t *testing.T) {
	m := loadManifest(t)
	dir := filepath.Join(m.BaseDir, "calc")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"),
		[]byte("---\ndescription: Arithmetic in a sandbox\n---\n\n# Calc\n"), 0o644))

	docs, err := skills.NewDiscovery(skills.WithSkillDirs(t.TempDir()))
	require.NoError(t, err)

	s, err := DescribeSkill(m, "calc", docs)
	require.NoError(t, err)
	assert.Equal(t, "Arithmetic in a sandbox", s.Description)
	require.NotNil(t, s.Doc)
	assert.Equal(t, "# Calc\n", s.Doc.Content)

	s, err = DescribeSkill(m, "echo", docs)
	require.NoError(t, err, "a missing SKILL.md is not an error")
	assert.Nil(t, s.Doc)
}

func TestDescribeSkillInvalidDoc(t *testing.T) {
	m := loadManifest(t)
	dir := filepath.Join(m.BaseDir, "skills", "echo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("---\nname: [unclosed\n---\n"), 0o644))

	docs, err := skills.NewDiscovery(skills.WithSkillDirs(t.TempDir()))
	require.NoError(t, err)

	s, err := DescribeSkill(m, "echo", docs)
	assert.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "Print things", s.Description)

	assert.Len(t, Describe(m, docs), 2, "a broken doc does not hide the skill")
}

func TestDescribeSkillNotFound(t *testing.T) {
	_, err := DescribeSkill(loadManifest(t), "missing", nil)
	assert.Equal(t, invocation.KindSkillNotFound, invocation.KindOf(err))
}
