package config

import (
	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration file format.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             false,
		ExpandedStruct:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Config{})
	s.Title = "MIA configuration"
	return s.MarshalJSON()
}
