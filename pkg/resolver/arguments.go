package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jingkaihe/skillet/pkg/manifest"
)

// PositionalKey marks an argument whose value is passed as a bare token
// rather than as a flag.
const PositionalKey = "arg"

var (
	printer            = message.NewPrinter(language.English)
	placeholderPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)
)

// schemaCache holds compiled argument schemas per tool declaration. Tool
// pointers belong to immutable manifest snapshots, so entries never go stale.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[*manifest.Tool]*jsonschema.Schema
}

func (c *schemaCache) get(tool *manifest.Tool) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[tool]; ok {
		return s, nil
	}
	s, err := compileToolSchema(tool)
	if err != nil {
		return nil, err
	}
	if c.schemas == nil {
		c.schemas = map[*manifest.Tool]*jsonschema.Schema{}
	}
	c.schemas[tool] = s
	return s, nil
}

// ToolSchema renders the JSON schema describing a tool's arguments.
func ToolSchema(tool *manifest.Tool) map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range tool.Parameters {
		prop := map[string]any{"type": jsonType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func compileToolSchema(tool *manifest.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(ToolSchema(tool))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tool schema")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse tool schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, errors.Wrap(err, "failed to add tool schema")
	}
	return c.Compile("tool.json")
}

func jsonType(t string) string {
	switch t {
	case "", "path", "file":
		return "string"
	default:
		return t
	}
}

// normalizeArguments applies parameter defaults and coerces string values
// into the declared parameter types, so that key=value pairs from a command
// line validate the same way as typed JSON from an API caller.
func normalizeArguments(tool *manifest.Tool, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if tool == nil {
		return out, nil
	}
	for _, p := range tool.Parameters {
		v, ok := out[p.Name]
		if !ok {
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		coerced, err := coerce(s, jsonType(p.Type))
		if err != nil {
			return nil, errors.Wrapf(err, "argument %s", p.Name)
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerce(s, typ string) (any, error) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not an integer", s)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not a number", s)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, errors.Errorf("%q is not a boolean", s)
		}
		return b, nil
	case "array":
		if strings.HasPrefix(strings.TrimSpace(s), "[") {
			var out []any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, errors.Errorf("%q is not a JSON array", s)
			}
			return out, nil
		}
		parts := strings.Split(s, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	case "object":
		var out map[string]any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, errors.Errorf("%q is not a JSON object", s)
		}
		return out, nil
	default:
		return s, nil
	}
}

// validateArguments checks args against the tool's schema and returns a
// message per violated constraint.
func (c *schemaCache) validateArguments(tool *manifest.Tool, args map[string]any) ([]string, error) {
	schema, err := c.get(tool)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal arguments")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare arguments for validation")
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, errors.Wrap(err, "unexpected validation failure")
	}
	var issues []string
	collectIssues(ve, &issues)
	if len(issues) == 0 {
		issues = append(issues, ve.Error())
	}
	sort.Strings(issues)
	return issues, nil
}

func collectIssues(ve *jsonschema.ValidationError, issues *[]string) {
	if len(ve.Causes) == 0 {
		msg := ve.Error()
		if ve.ErrorKind != nil {
			msg = ve.ErrorKind.LocalizedString(printer)
		}
		if len(ve.InstanceLocation) > 0 {
			msg = strings.Join(ve.InstanceLocation, ".") + ": " + msg
		}
		*issues = append(*issues, msg)
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, issues)
	}
}

// stringify renders an argument value as a single command line token.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func listValues(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// expandTemplate substitutes {name} placeholders in the tool's argument
// template. A token that is exactly one placeholder of a list value expands
// to one token per element; a token referring to an absent argument is
// dropped. Consumed argument names are returned so they are not repeated as
// flags.
func expandTemplate(template []string, args map[string]any) ([]string, map[string]bool) {
	consumed := map[string]bool{}
	var out []string
	for _, token := range template {
		if name, ok := solePlaceholder(token); ok {
			consumed[name] = true
			v, present := args[name]
			if !present || v == nil {
				continue
			}
			if list, isList := listValues(v); isList {
				for _, item := range list {
					out = append(out, stringify(item))
				}
				continue
			}
			out = append(out, stringify(v))
			continue
		}

		missing := false
		expanded := placeholderPattern.ReplaceAllStringFunc(token, func(m string) string {
			name := m[1 : len(m)-1]
			consumed[name] = true
			v, present := args[name]
			if !present || v == nil {
				missing = true
				return ""
			}
			return stringify(v)
		})
		if !missing {
			out = append(out, expanded)
		}
	}
	return out, consumed
}

func solePlaceholder(token string) (string, bool) {
	loc := placeholderPattern.FindStringIndex(token)
	if loc == nil || loc[0] != 0 || loc[1] != len(token) {
		return "", false
	}
	return token[1 : len(token)-1], true
}

// flagTokens renders the remaining arguments as command line tokens, sorted
// by key: single-letter keys become -k, longer keys --key, true booleans are
// bare flags and false ones are omitted, lists repeat the flag. Values under
// PositionalKey are appended last as bare tokens.
func flagTokens(args map[string]any, skip map[string]bool) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		if !skip[k] && k != PositionalKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		flag := "--" + k
		if len(k) == 1 {
			flag = "-" + k
		}
		values, isList := listValues(args[k])
		if !isList {
			values = []any{args[k]}
		}
		for _, v := range values {
			switch b := v.(type) {
			case bool:
				if b {
					out = append(out, flag)
				}
			case nil:
			default:
				out = append(out, flag, stringify(v))
			}
		}
	}

	if v, ok := args[PositionalKey]; ok && !skip[PositionalKey] {
		if list, isList := listValues(v); isList {
			for _, item := range list {
				out = append(out, stringify(item))
			}
		} else if v != nil {
			out = append(out, stringify(v))
		}
	}
	return out
}
