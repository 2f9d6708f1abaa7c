package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationResult is the pure judgement of the schema validator. It is
// never retained beyond the iteration that produced it.
type ValidationResult struct {
	OK    bool
	Error string
}

func accept() ValidationResult {
	return ValidationResult{OK: true}
}

func reject(format string, args ...any) ValidationResult {
	return ValidationResult{Error: fmt.Sprintf(format, args...)}
}

// kind is the primitive type constraint for a schema field.
type kind int

const (
	kindString kind = iota
	kindInt         // strict integer: discrete domain values (width, steps, seed)
	kindNumber      // integer or floating point (cfg, denoise)
	kindBool
	kindObject
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInt:
		return "integer"
	case kindNumber:
		return "number"
	case kindBool:
		return "boolean"
	case kindObject:
		return "object"
	}
	return "unknown"
}

// field declares one schema key: its type constraint, whether it must
// be present, and — for objects — the nested schema it recurses into.
type field struct {
	kind     kind
	required bool
	nested   *object
}

// object is a declared key set with per-key constraints.
type object struct {
	fields map[string]field
}

// imageFields are the tunable image-generation parameters, shared by
// the image defaults namespace and generate_image.
var imageFields = map[string]field{
	"width":           {kind: kindInt},
	"height":          {kind: kindInt},
	"steps":           {kind: kindInt},
	"cfg":             {kind: kindNumber},
	"sampler_name":    {kind: kindString},
	"scheduler":       {kind: kindString},
	"denoise":         {kind: kindNumber},
	"model":           {kind: kindString},
	"negative_prompt": {kind: kindString},
}

var audioFields = map[string]field{
	"steps":           {kind: kindInt},
	"cfg":             {kind: kindNumber},
	"sampler_name":    {kind: kindString},
	"scheduler":       {kind: kindString},
	"denoise":         {kind: kindNumber},
	"seconds":         {kind: kindInt},
	"lyrics_strength": {kind: kindNumber},
	"model":           {kind: kindString},
	"tags":            {kind: kindString},
	"lyrics":          {kind: kindString},
}

var videoFields = map[string]field{
	"width":           {kind: kindInt},
	"height":          {kind: kindInt},
	"steps":           {kind: kindInt},
	"cfg":             {kind: kindNumber},
	"sampler_name":    {kind: kindString},
	"scheduler":       {kind: kindString},
	"denoise":         {kind: kindNumber},
	"model":           {kind: kindString},
	"negative_prompt": {kind: kindString},
	"duration":        {kind: kindInt},
	"fps":             {kind: kindInt},
}

// regenerateOverrideFields are the parameters a regenerate call may
// override. The union of image and audio parameters plus prompt, since
// regenerate applies to any prior asset regardless of media type.
var regenerateOverrideFields = map[string]field{
	"prompt":          {kind: kindString},
	"negative_prompt": {kind: kindString},
	"width":           {kind: kindInt},
	"height":          {kind: kindInt},
	"steps":           {kind: kindInt},
	"cfg":             {kind: kindNumber},
	"sampler_name":    {kind: kindString},
	"scheduler":       {kind: kindString},
	"denoise":         {kind: kindNumber},
	"model":           {kind: kindString},
	"tags":            {kind: kindString},
	"lyrics":          {kind: kindString},
	"seconds":         {kind: kindInt},
	"lyrics_strength": {kind: kindNumber},
}

// RegenerateOverrideKeys returns the override parameter names accepted
// inside a regenerate param_overrides block. Used by normalization to
// fold stray top-level keys into the block.
func RegenerateOverrideKeys() map[string]bool {
	keys := make(map[string]bool, len(regenerateOverrideFields))
	for k := range regenerateOverrideFields {
		keys[k] = true
	}
	return keys
}

// toolSchemas declares the argument schema for every allow-listed tool.
var toolSchemas = map[Tool]*object{
	ToolGetDefaults: {fields: map[string]field{}},
	ToolSetDefaults: {fields: map[string]field{
		"image":   {kind: kindObject, nested: &object{fields: imageFields}},
		"audio":   {kind: kindObject, nested: &object{fields: audioFields}},
		"video":   {kind: kindObject, nested: &object{fields: videoFields}},
		"persist": {kind: kindBool},
	}},
	ToolGenerateImage: {fields: mergeFields(imageFields, map[string]field{
		"prompt":                {kind: kindString, required: true},
		"seed":                  {kind: kindInt},
		"return_inline_preview": {kind: kindBool},
	})},
	ToolRegenerate: {fields: map[string]field{
		"asset_id":              {kind: kindString, required: true},
		"seed":                  {kind: kindInt},
		"return_inline_preview": {kind: kindBool},
		"param_overrides":       {kind: kindObject, nested: &object{fields: regenerateOverrideFields}},
	}},
}

// Validate checks a raw tool name and argument mapping against the
// declared schemas. It is pure: no state is read or written and the
// backend is never contacted.
//
// Rejection rules, in order: unknown tool name; unknown top-level keys;
// missing required keys; type mismatch on any present key. Nested
// object values recurse the same three rules against their own
// declared key sets.
func Validate(name string, args map[string]any) ValidationResult {
	tool, ok := ParseTool(name)
	if !ok {
		return reject("Tool '%s' is not allowed", name)
	}

	if tool == ToolGetDefaults && len(args) > 0 {
		return reject("get_defaults takes no arguments")
	}

	return validateObject(name, toolSchemas[tool], args)
}

// validateObject applies the three rejection rules to one key set.
// label names the schema being checked ("generate_image",
// "param_overrides", ...) for diagnostics.
func validateObject(label string, schema *object, args map[string]any) ValidationResult {
	var unknown []string
	for key := range args {
		if _, ok := schema.fields[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return reject("Unknown keys for %s: [%s]", label, strings.Join(unknown, " "))
	}

	// Deterministic order for missing-key diagnostics.
	names := make([]string, 0, len(schema.fields))
	for key := range schema.fields {
		names = append(names, key)
	}
	sort.Strings(names)

	for _, key := range names {
		spec := schema.fields[key]
		value, present := args[key]
		if !present {
			if spec.required {
				return reject("%s requires '%s'", label, key)
			}
			continue
		}
		if res := validateValue(key, spec, value); !res.OK {
			return res
		}
	}

	return accept()
}

// validateValue checks one present value against its field spec,
// recursing into nested objects.
func validateValue(key string, spec field, value any) ValidationResult {
	switch spec.kind {
	case kindString:
		if _, ok := value.(string); !ok {
			return reject("'%s' must be %s", key, spec.kind)
		}
	case kindInt:
		if !isInt(value) {
			return reject("'%s' must be %s", key, spec.kind)
		}
	case kindNumber:
		if !isNumber(value) {
			return reject("'%s' must be %s", key, spec.kind)
		}
	case kindBool:
		if _, ok := value.(bool); !ok {
			return reject("'%s' must be %s", key, spec.kind)
		}
	case kindObject:
		nested, ok := value.(map[string]any)
		if !ok {
			return reject("'%s' must be an object", key)
		}
		if spec.nested != nil {
			return validateObject(key, spec.nested, nested)
		}
	}
	return accept()
}

// isInt reports whether a value is an integer. JSON numbers arrive as
// float64, so a float with no fractional part counts; 512.5 does not.
func isInt(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	}
	return false
}

// isNumber reports whether a value is numeric (integer or floating point).
func isNumber(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func mergeFields(base map[string]field, extra map[string]field) map[string]field {
	merged := make(map[string]field, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
