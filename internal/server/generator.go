package server

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
)

// GenerateRequest carries the fully resolved parameters for one
// generation.
type GenerateRequest struct {
	Namespace string
	Prompt    string
	Params    map[string]any
	Seed      int64
}

// GenerateResult identifies the produced file.
type GenerateResult struct {
	Filename   string
	Subfolder  string
	FolderType string
	PromptID   string
	Width      int
	Height     int
	MimeType   string
	BytesSize  int64
}

// Generator produces media from a resolved request. The built-in
// implementations are the deterministic local generator and the
// ComfyUI-backed one.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// LocalGenerator fabricates asset identities without any backend.
// Output is a pure function of the request, so repeated runs and tests
// see stable filenames.
type LocalGenerator struct{}

func (LocalGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|", req.Namespace, req.Prompt, req.Seed)
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v|", k, req.Params[k])
	}
	digest := h.Sum64()

	res := &GenerateResult{
		Filename:   fmt.Sprintf("atelier_%s_%016x.png", req.Namespace, digest),
		FolderType: "output",
		PromptID:   fmt.Sprintf("local-%016x", digest),
		Width:      intParam(req.Params, "width", 512),
		Height:     intParam(req.Params, "height", 512),
		MimeType:   "image/png",
	}
	switch req.Namespace {
	case "audio":
		res.Filename = fmt.Sprintf("atelier_audio_%016x.flac", digest)
		res.MimeType = "audio/flac"
		res.Width, res.Height = 0, 0
	case "video":
		res.Filename = fmt.Sprintf("atelier_video_%016x.webm", digest)
		res.MimeType = "video/webm"
	}
	return res, nil
}

// intParam reads an integer parameter, tolerating the float64 values
// JSON decoding produces.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
