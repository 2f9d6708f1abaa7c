package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/internal/comfyui"
)

// ComfyGenerator runs generations on a real ComfyUI instance: build a
// workflow graph, queue it, follow progress over the websocket, then
// read the produced file from history.
type ComfyGenerator struct {
	client *comfyui.Client
	logger *slog.Logger
}

// NewComfyGenerator wraps a ComfyUI client.
func NewComfyGenerator(client *comfyui.Client, logger *slog.Logger) *ComfyGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComfyGenerator{client: client, logger: logger}
}

func (g *ComfyGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.Namespace != "image" {
		return nil, fmt.Errorf("namespace %q not supported by the ComfyUI generator", req.Namespace)
	}

	workflow := buildImageWorkflow(req)
	queued, err := g.client.SubmitPrompt(ctx, workflow)
	if err != nil {
		return nil, err
	}
	g.logger.Info("queued workflow", "prompt_id", queued.PromptID)

	err = g.client.WaitForCompletion(ctx, queued.PromptID, func(ev comfyui.ProgressEvent) {
		if ev.Type == "progress" {
			g.logger.Debug("generation progress", "prompt_id", ev.PromptID, "value", ev.Value, "max", ev.Max)
		}
	})
	if err != nil {
		return nil, err
	}

	// History can lag the completion event briefly.
	var files []comfyui.OutputFile
	for attempt := 0; attempt < 5; attempt++ {
		history, err := g.client.History(ctx, queued.PromptID)
		if err != nil {
			return nil, err
		}
		if history != nil {
			if files = comfyui.OutputFiles(history); len(files) > 0 {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no output files for prompt %s", queued.PromptID)
	}

	first := files[0]
	return &GenerateResult{
		Filename:   first.Filename,
		Subfolder:  first.Subfolder,
		FolderType: first.Type,
		PromptID:   queued.PromptID,
		Width:      intParam(req.Params, "width", 512),
		Height:     intParam(req.Params, "height", 512),
		MimeType:   "image/png",
	}, nil
}

// buildImageWorkflow assembles the canonical txt2img graph: checkpoint
// loader, prompt encoders, empty latent, sampler, decode, save.
func buildImageWorkflow(req GenerateRequest) map[string]any {
	p := req.Params
	negative, _ := p["negative_prompt"].(string)
	model, _ := p["model"].(string)
	sampler, _ := p["sampler_name"].(string)
	scheduler, _ := p["scheduler"].(string)

	return map[string]any{
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": model},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]any{
				"width":      intParam(p, "width", 512),
				"height":     intParam(p, "height", 512),
				"batch_size": 1,
			},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": req.Prompt, "clip": []any{"4", 1}},
		},
		"7": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": negative, "clip": []any{"4", 1}},
		},
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         req.Seed,
				"steps":        intParam(p, "steps", 20),
				"cfg":          floatParam(p, "cfg", 8.0),
				"sampler_name": sampler,
				"scheduler":    scheduler,
				"denoise":      floatParam(p, "denoise", 1.0),
				"model":        []any{"4", 0},
				"positive":     []any{"6", 0},
				"negative":     []any{"7", 0},
				"latent_image": []any{"5", 0},
			},
		},
		"8": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "atelier", "images": []any{"8", 0}},
		},
	}
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
