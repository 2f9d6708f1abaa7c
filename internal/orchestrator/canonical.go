package orchestrator

// CanonicalResult is the orchestrator-side view of a tool outcome,
// stripped down to the fields callers actually read. It isolates the
// loop from the backend wire shape.
type CanonicalResult struct {
	OK   bool           `json:"ok"`
	Tool string         `json:"tool"`
	Data map[string]any `json:"data"`
}

// generationFields are the keys extracted from a successful
// generate/regenerate payload.
var generationFields = []string{"asset_id", "asset_url", "width", "height", "mime_type"}

// Canonicalize converts a raw backend result into a CanonicalResult.
//
// Precedence: a transport-level error marker wins; then an explicit
// success=false; then tool-specific extraction; anything else passes
// through under ok=true.
func Canonicalize(name string, raw map[string]any) CanonicalResult {
	if raw == nil {
		raw = map[string]any{}
	}

	if errVal, present := raw["error"]; present {
		data := map[string]any{"error": errVal}
		if detail, ok := raw["detail"]; ok {
			data["detail"] = detail
		}
		return CanonicalResult{OK: false, Tool: name, Data: data}
	}

	if success, present := raw["success"]; present && success == false {
		data := map[string]any{}
		if errs, ok := raw["errors"]; ok {
			data["errors"] = errs
		}
		return CanonicalResult{OK: false, Tool: name, Data: data}
	}

	tool, _ := ParseTool(name)
	switch tool {
	case ToolGenerateImage, ToolRegenerate:
		data := map[string]any{}
		for _, key := range generationFields {
			if v, ok := raw[key]; ok {
				data[key] = v
			}
		}
		return CanonicalResult{OK: true, Tool: name, Data: data}
	case ToolSetDefaults:
		data := map[string]any{}
		if updated, ok := raw["updated"]; ok {
			data["updated"] = updated
		}
		return CanonicalResult{OK: true, Tool: name, Data: data}
	default:
		// get_defaults and any passthrough tool keep the full payload.
		return CanonicalResult{OK: true, Tool: name, Data: raw}
	}
}

// AssetID returns the asset identifier from a generation result, or ""
// when absent.
func (r CanonicalResult) AssetID() string {
	id, _ := r.Data["asset_id"].(string)
	return id
}

// asMap flattens the result for trace payloads and history messages.
func (r CanonicalResult) asMap() map[string]any {
	return map[string]any{"ok": r.OK, "tool": r.Tool, "data": r.Data}
}
