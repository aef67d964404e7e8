package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/comfyrelay/internal/comfy"
)

// DefaultPrompt replaces an empty prompt.
const DefaultPrompt = "a beautiful landscape"

// DefaultSteps is the sampler step count of the built-in template.
const DefaultSteps = 30

// Node ids of the built-in template.
const (
	PromptNode = "6"
	LatentNode = "5"
)

// Default returns a fresh copy of the built-in FLUX text-to-image workflow.
func Default() comfy.Workflow {
	return comfy.Workflow{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         int64(42),
			"steps":        DefaultSteps,
			"cfg":          3.5,
			"sampler_name": "euler",
			"scheduler":    "simple",
			"denoise":      1.0,
			"model":        []any{"10", 0},
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4": {ClassType: "DualCLIPLoader", Inputs: map[string]any{
			"clip_name1": "clip_l.safetensors",
			"clip_name2": "t5xxl_fp16.safetensors",
			"type":       "flux",
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      1536,
			"height":     1536,
			"batch_size": 1,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "a beautiful landscape, high quality, detailed, 8k, professional photography",
			"clip": []any{"4", 0},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "low quality, blurry, pixelated, low resolution, distorted, ugly, deformed",
			"clip": []any{"4", 0},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"3", 0},
			"vae":     []any{"11", 0},
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "ComfyUI_HQ",
			"images":          []any{"8", 0},
		}},
		"10": {ClassType: "UNETLoader", Inputs: map[string]any{
			"unet_name":    "flux1-krea-dev.safetensors",
			"weight_dtype": "default",
		}},
		"11": {ClassType: "VAELoader", Inputs: map[string]any{
			"vae_name": "ae.safetensors",
		}},
	}
}

// Params are the per-request knobs applied to a template.
type Params struct {
	Prompt      string
	AspectRatio string
	// Width and Height override the preset when both are positive.
	Width  int
	Height int
	Seed   *int64
}

// Dimensions is the resolved output size of a built workflow.
type Dimensions struct {
	AspectRatio string
	Width       int
	Height      int
	// Recognized is false when the requested preset was unknown and the
	// default was substituted.
	Recognized bool
}

// Pixels returns Width*Height.
func (d Dimensions) Pixels() int {
	return d.Width * d.Height
}

// Resolution formats the dimensions as WIDTHxHEIGHT.
func (d Dimensions) Resolution() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Template is a base workflow plus the node ids that receive the prompt text
// and the latent dimensions.
type Template struct {
	Base       comfy.Workflow
	PromptNode string
	LatentNode string
}

// NewDefault returns a Template over the built-in workflow.
func NewDefault() Template {
	return Template{Base: Default(), PromptNode: PromptNode, LatentNode: LatentNode}
}

// Build returns a fresh workflow with p applied. The template's Base is
// never modified.
func (t Template) Build(p Params) (comfy.Workflow, Dimensions) {
	wf := t.Base.Clone()

	preset, ok := Resolve(p.AspectRatio)
	dims := Dimensions{AspectRatio: preset.Name, Width: preset.Width, Height: preset.Height, Recognized: ok}
	if p.Width > 0 && p.Height > 0 {
		dims.Width, dims.Height = p.Width, p.Height
		if p.AspectRatio == "" {
			dims.Recognized = true
		}
	}

	prompt := p.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	setInput(wf, t.PromptNode, "text", prompt)
	setInput(wf, t.LatentNode, "width", dims.Width)
	setInput(wf, t.LatentNode, "height", dims.Height)

	if p.Seed != nil {
		for id, n := range wf {
			if _, ok := n.Inputs["seed"]; ok {
				setInput(wf, id, "seed", *p.Seed)
			}
		}
	}
	return wf, dims
}

// Inject writes prompt into the text input of nodeID on a caller-supplied
// workflow. Workflows without that node are returned as is.
func Inject(wf comfy.Workflow, nodeID, prompt string) comfy.Workflow {
	out := wf.Clone()
	if prompt != "" {
		setInput(out, nodeID, "text", prompt)
	}
	return out
}

// Enhance appends the quality suffix to prompt.
func Enhance(prompt, suffix string) string {
	if suffix == "" || strings.HasSuffix(prompt, suffix) {
		return prompt
	}
	return prompt + suffix
}

// LoadFile reads an API-format workflow from a JSON file.
func LoadFile(path string) (comfy.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow template: %w", err)
	}
	var wf comfy.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow template %s: %w", path, err)
	}
	if len(wf) == 0 {
		return nil, fmt.Errorf("workflow template %s has no nodes", path)
	}
	return wf, nil
}

func setInput(wf comfy.Workflow, nodeID, key string, value any) {
	n, ok := wf[nodeID]
	if !ok {
		return
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
		wf[nodeID] = n
	}
	n.Inputs[key] = value
}
