package presenter

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

func TestNew(t *testing.T) {
	presenter := New()
	assert.NotNil(t, presenter)
	assert.Equal(t, os.Stdout, presenter.output)
	assert.Equal(t, os.Stderr, presenter.errorOutput)
	assert.False(t, presenter.quiet)
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name         string
		noColor      string
		skilletColor string
		expected     ColorMode
	}{
		{"NO_COLOR set", "1", "always", ColorNever},
		{"SKILLET_COLOR always", "", "always", ColorAlways},
		{"SKILLET_COLOR force", "", "force", ColorAlways},
		{"SKILLET_COLOR never", "", "never", ColorNever},
		{"SKILLET_COLOR off", "", "off", ColorNever},
		{"default", "", "", ColorAuto},
		{"invalid", "", "rainbow", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("SKILLET_COLOR", tt.skilletColor)
			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestError(t *testing.T) {
	var errorOutput bytes.Buffer
	presenter := NewWithOptions(nil, &errorOutput, ColorNever)
	presenter.SetQuiet(true)

	presenter.Error(errors.New("test error"), "test context")
	assert.Equal(t, "[ERROR] test context: test error\n", errorOutput.String(), "errors ignore quiet mode")

	errorOutput.Reset()
	presenter.Error(nil, "context")
	assert.Empty(t, errorOutput.String())
}

func TestMessagesRespectQuietMode(t *testing.T) {
	var output bytes.Buffer
	presenter := NewWithOptions(&output, nil, ColorNever)

	presenter.Success("done")
	presenter.Warning("careful")
	presenter.Info("fyi")
	presenter.Section("Skills")
	presenter.Separator()
	assert.Contains(t, output.String(), "✓ done")
	assert.Contains(t, output.String(), "⚠ careful")
	assert.Contains(t, output.String(), "fyi\n")
	assert.Contains(t, output.String(), "Skills\n------\n")

	output.Reset()
	presenter.SetQuiet(true)
	assert.True(t, presenter.IsQuiet())
	presenter.Success("done")
	presenter.Warning("careful")
	presenter.Info("fyi")
	presenter.Section("Skills")
	presenter.Separator()
	assert.Empty(t, output.String())
}

func TestTable(t *testing.T) {
	var output bytes.Buffer
	presenter := NewWithOptions(&output, nil, ColorNever)
	presenter.SetQuiet(true)

	presenter.Table([]string{"NAME", "RUNTIME"}, [][]string{{"echo", "native"}, {"calculator", "component"}})
	assert.Equal(t, "NAME        RUNTIME\necho        native\ncalculator  component\n", output.String())
}

func TestResult(t *testing.T) {
	var output, errorOutput bytes.Buffer
	presenter := NewWithOptions(&output, &errorOutput, ColorNever)

	presenter.Result(&invocation.Result{
		Skill:    "echo",
		Instance: "default",
		Tool:     "run",
		Success:  true,
		Output:   "hello",
		Duration: 12 * time.Millisecond,
	})
	assert.Equal(t, "hello\n", output.String())
	assert.Equal(t, "✓ echo.run on default (12ms)\n", errorOutput.String())

	output.Reset()
	errorOutput.Reset()
	presenter.Result(&invocation.Result{
		Skill:        "echo",
		Tool:         "purge",
		State:        invocation.StateFailed,
		Stderr:       "denied",
		ErrorMessage: "authorize: CommandNotAllowed: rm",
	})
	assert.Empty(t, output.String())
	assert.Equal(t, "denied\n[failed] authorize: CommandNotAllowed: rm\n", errorOutput.String())
}

func TestGlobalFunctions(t *testing.T) {
	original := defaultPresenter
	defer func() { defaultPresenter = original }()

	var output, errorOutput bytes.Buffer
	defaultPresenter = NewWithOptions(&output, &errorOutput, ColorNever)

	Error(errors.New("boom"), "")
	assert.Contains(t, errorOutput.String(), "[ERROR] boom")

	Success("ok")
	Info("info")
	Table(nil, [][]string{{"a", "b"}})
	assert.Contains(t, output.String(), "✓ ok")
	assert.Contains(t, output.String(), "a  b\n")

	SetQuiet(true)
	assert.True(t, IsQuiet())
}
