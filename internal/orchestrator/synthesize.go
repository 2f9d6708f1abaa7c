package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

// defaultsTriggers imply the user wants parameters persisted.
var defaultsTriggers = []string{
	"set default",
	"set defaults",
	"by default",
	"from now on",
	"make default",
	"use default",
}

// regenTriggers imply the user wants a variation of the last asset.
var regenTriggers = []string{
	"regenerate",
	"regen",
	"again",
	"retry",
	"keep composition",
	"less noisy",
	"more cinematic",
	"increase contrast",
	"tweak",
	"adjust",
	"refine",
	"variation",
}

var (
	sizePattern  = regexp.MustCompile(`(\d{3,4})\s*[xX]\s*(\d{3,4})`)
	stepsPattern = regexp.MustCompile(`(?i)(\d{1,3})\s*steps?`)
	cfgPattern   = regexp.MustCompile(`(?i)cfg\s*(\d+(?:\.\d+)?)`)
)

// wantsDefaults reports whether the utterance carries defaults-setting intent.
func wantsDefaults(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range defaultsTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// wantsRegenerate reports whether the utterance carries regeneration
// intent. Only meaningful when a prior asset exists.
func wantsRegenerate(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range regenTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// extractOverrides pulls explicit parameter values out of free text:
// WIDTHxHEIGHT pairs, "N steps", and "cfg N".
func extractOverrides(text string) map[string]any {
	overrides := map[string]any{}
	if m := sizePattern.FindStringSubmatch(text); m != nil {
		w, errW := strconv.Atoi(m[1])
		h, errH := strconv.Atoi(m[2])
		if errW == nil && errH == nil {
			overrides["width"] = w
			overrides["height"] = h
		}
	}
	if m := stepsPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			overrides["steps"] = n
		}
	}
	if m := cfgPattern.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			overrides["cfg"] = f
		}
	}
	return overrides
}

// Synthesize builds a tool call from plain-text intent when the model
// produced nothing usable. Defaults intent with concrete extracted
// values wins; otherwise a prior asset enables a regenerate. Returns
// false when neither applies.
func Synthesize(userText, lastAssetID string) (ToolCall, bool) {
	overrides := extractOverrides(userText)

	if wantsDefaults(userText) && len(overrides) > 0 {
		args := map[string]any{"image": overrides}
		return ToolCall{Tool: ToolSetDefaults, Name: ToolSetDefaults.String(), Args: args}, true
	}

	if lastAssetID != "" {
		args := map[string]any{"asset_id": lastAssetID}
		if len(overrides) > 0 {
			args["param_overrides"] = overrides
		}
		return ToolCall{Tool: ToolRegenerate, Name: ToolRegenerate.String(), Args: args}, true
	}

	return ToolCall{}, false
}

// requiresToolCall reports whether the utterance, given session
// context, demands a tool call rather than a conversational reply.
func requiresToolCall(userText, lastAssetID string) bool {
	if wantsDefaults(userText) {
		return true
	}
	return lastAssetID != "" && wantsRegenerate(userText)
}
