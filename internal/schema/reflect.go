package schema

import (
	"github.com/invopop/jsonschema"
)

// Reflect derives a strict options schema from a Go options struct.
//
// Fields are required unless their json tag carries omitempty, nested
// structs are inlined and additional properties are forbidden at every
// object level. Enumerations can be declared with `jsonschema:"enum=..."`
// tags.
func Reflect(v interface{}) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	s := r.Reflect(v)
	s.Version = ""
	s.ID = ""
	s.Definitions = nil
	return s
}
