package manifest

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
	"github.com/pkg/errors"
)

// FileNames are the manifest file names searched for, in order.
var FileNames = []string{".skillet.toml", "skillet.toml"}

const maxAncestorSearch = 32

// Parse decodes manifest TOML. Unknown keys are rejected so that typos in
// capability names do not silently widen or narrow a policy. Parse does not
// validate; see Validate.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, errors.Errorf("unknown manifest keys:\n%s", strict.String())
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, errors.Errorf("invalid manifest TOML at line %d, column %d: %s", row, col, derr.Error())
		}
		return nil, errors.Wrap(err, "failed to decode manifest")
	}

	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Skills == nil {
		m.Skills = map[string]*SkillDefinition{}
	}

	order := instanceDeclarationOrder(data)
	for name, skill := range m.Skills {
		if skill == nil {
			continue
		}
		skill.InstanceOrder = orderedKeys(skill.Instances, order[name])
	}

	return m, nil
}

// Load reads, parses and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve manifest path %s", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", abs)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s", abs)
	}
	m.Path = abs
	m.BaseDir = filepath.Dir(abs)

	if err := Validate(m); err != nil {
		return nil, errors.Wrapf(err, "invalid manifest %s", abs)
	}
	return m, nil
}

// Find walks up from startDir looking for a manifest file and returns its
// path.
func Find(startDir string) (string, bool) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false
	}
	for i := 0; i < maxAncestorSearch; i++ {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// instanceDeclarationOrder scans the raw document and returns, per skill, the
// instance names in the order they first appear. Maps lose this order during
// decoding, and the first declared instance is the fallback when a request
// names none. Syntax errors are ignored here; Decode reports them.
func instanceDeclarationOrder(data []byte) map[string][]string {
	order := map[string][]string{}
	seen := map[string]bool{}
	record := func(path []string) {
		if len(path) < 4 || path[0] != "skills" || path[2] != "instances" {
			return
		}
		key := path[1] + "\x00" + path[3]
		if seen[key] {
			return
		}
		seen[key] = true
		order[path[1]] = append(order[path[1]], path[3])
	}

	var p unstable.Parser
	p.Reset(data)
	var table []string
	for p.NextExpression() {
		expr := p.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			table = keyPath(expr.Key())
			record(table)
		case unstable.KeyValue:
			full := append(append([]string{}, table...), keyPath(expr.Key())...)
			record(full)
			value := expr.Value()
			if value != nil && value.Kind == unstable.InlineTable {
				recordInline(full, value, record)
			}
		}
	}
	return order
}

func recordInline(prefix []string, table *unstable.Node, record func([]string)) {
	it := table.Children()
	for it.Next() {
		kv := it.Node()
		if kv.Kind != unstable.KeyValue {
			continue
		}
		path := append(append([]string{}, prefix...), keyPath(kv.Key())...)
		record(path)
		if v := kv.Value(); v != nil && v.Kind == unstable.InlineTable && len(path) < 4 {
			recordInline(path, v, record)
		}
	}
}

func keyPath(it unstable.Iterator) []string {
	var parts []string
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return parts
}
