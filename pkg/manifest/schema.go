package manifest

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Schema returns the JSON schema of the manifest document. Editors can use
// it for completion of TOML files through taplo-style schema associations.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(&Manifest{})
	s.Title = "skillet manifest"
	s.Description = "Declares skills, their runtimes, instances and capabilities"
	return s
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	out, err := json.MarshalIndent(Schema(), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal manifest schema")
	}
	return out, nil
}
