package llms

import (
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// ReflectSchema builds an inline (reference free) JSON schema for v and
// returns it together with the Go type name.
func ReflectSchema(v any) (*jsonschema.Schema, string) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflector.ReflectFromType(t), t.Name()
}

// ExtractJSONObject returns the outermost {...} span of text, dropping
// markdown fences and any prose the model wrapped around it. It returns an
// empty string when no object is present.
func ExtractJSONObject(text string) string {
	if split := strings.Split(text, "```"); len(split) > 2 {
		text = strings.TrimPrefix(strings.TrimSpace(split[1]), "json")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
