// Package schema validates stage options documents against the JSON schema
// each stage declares.
//
// Only the subset of JSON schema used by stage option schemas is
// interpreted: type, properties, required, additionalProperties, items and
// enum. Unknown keywords are ignored. Every violation found is reported,
// not just the first one.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Parse decodes a JSON schema document.
func Parse(data []byte) (*jsonschema.Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cannot parse schema: %w", err)
	}
	return &s, nil
}

// Validate checks doc against s. doc is a decoded JSON or YAML document
// (maps, slices and scalars). A nil schema accepts everything.
func Validate(s *jsonschema.Schema, doc interface{}) *Result {
	res := &Result{Valid: true}
	if s == nil {
		return res
	}
	validate(s, normalize(doc), "", res)
	return res
}

func validate(s *jsonschema.Schema, v interface{}, path string, res *Result) {
	if isFalseSchema(s) {
		res.add(path, KindAdditionalProperty, "%s is not allowed", repr(v))
		return
	}

	if s.Type != "" && !hasType(v, s.Type) {
		res.add(path, KindWrongType, "%s is not of type '%s'", repr(v), s.Type)
		// nothing below can be meaningfully checked on the wrong type
		return
	}

	if len(s.Enum) > 0 && !inEnum(v, s.Enum) {
		choices := make([]string, 0, len(s.Enum))
		for _, e := range s.Enum {
			choices = append(choices, repr(normalize(e)))
		}
		res.add(path, KindEnumMismatch, "%s is not one of [%s]", repr(v), strings.Join(choices, ", "))
	}

	switch value := v.(type) {
	case map[string]interface{}:
		validateObject(s, value, path, res)
	case []interface{}:
		if s.Items != nil {
			for i, item := range value {
				validate(s.Items, item, path+"/"+strconv.Itoa(i), res)
			}
		}
	}
}

func validateObject(s *jsonschema.Schema, obj map[string]interface{}, path string, res *Result) {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			res.add(path+"/"+escape(name), KindMissingProperty, "'%s' is a required property", name)
		}
	}

	var unexpected []string
	for key := range obj {
		if s.Properties != nil {
			if _, ok := s.Properties.Get(key); ok {
				continue
			}
		}
		unexpected = append(unexpected, key)
	}
	sort.Strings(unexpected)

	if len(unexpected) > 0 && isFalseSchema(s.AdditionalProperties) {
		for _, key := range unexpected {
			res.add(path+"/"+escape(key), KindAdditionalProperty,
				"Additional properties are not allowed ('%s' was unexpected)", key)
		}
	}

	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			if value, ok := obj[pair.Key]; ok && pair.Value != nil {
				validate(pair.Value, value, path+"/"+escape(pair.Key), res)
			}
		}
	}

	if s.AdditionalProperties != nil && !isFalseSchema(s.AdditionalProperties) {
		for _, key := range unexpected {
			validate(s.AdditionalProperties, obj[key], path+"/"+escape(key), res)
		}
	}
}

// isFalseSchema reports whether s is the boolean schema `false`, which is
// how `"additionalProperties": false` decodes.
func isFalseSchema(s *jsonschema.Schema) bool {
	return s != nil && reflect.DeepEqual(*s, *jsonschema.FalseSchema)
}

func hasType(v interface{}, typ string) bool {
	switch typ {
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	}
	// unknown types are not ours to reject
	return true
}

func inEnum(v interface{}, enum []interface{}) bool {
	for _, e := range enum {
		if reflect.DeepEqual(v, normalize(e)) {
			return true
		}
	}
	return false
}

// normalize converts the different shapes a decoded document can take
// (encoding/json, yaml.v3, hand-built Go values) into the encoding/json
// shape: map[string]interface{}, []interface{}, float64, string, bool, nil.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case nil, string, bool, float64:
		return value
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, e := range value {
			out[k] = normalize(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, e := range value {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, e := range value {
			out[i] = normalize(e)
		}
		return out
	case json.Number:
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case int:
		return float64(value)
	case int8:
		return float64(value)
	case int16:
		return float64(value)
	case int32:
		return float64(value)
	case int64:
		return float64(value)
	case uint:
		return float64(value)
	case uint8:
		return float64(value)
	case uint16:
		return float64(value)
	case uint32:
		return float64(value)
	case uint64:
		return float64(value)
	case float32:
		return float64(value)
	}

	// structs and typed slices: round-trip through JSON
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// repr renders a value the way error messages quote instances.
func repr(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return "None"
	case string:
		return "'" + value + "'"
	case bool:
		if value {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func escape(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
