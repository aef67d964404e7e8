package provision

import (
	"fmt"
	"strings"
)

// Asset is one model file and where to get it.
type Asset struct {
	Name string
	URL  string
	Kind Kind
	// ApproxSize is the expected size in bytes, used for the disk check.
	ApproxSize uint64
}

const (
	fluxRepo     = "https://huggingface.co/black-forest-labs/FLUX.1-Krea-dev/resolve/main/"
	encodersRepo = "https://huggingface.co/comfyanonymous/flux_text_encoders/resolve/main/"
)

// DefaultManifest returns the files the built-in FLUX workflow loads.
func DefaultManifest() []Asset {
	return []Asset{
		{Name: "flux1-krea-dev.safetensors", URL: fluxRepo + "flux1-krea-dev.safetensors", Kind: UNet, ApproxSize: 23_800_000_000},
		{Name: "ae.safetensors", URL: fluxRepo + "ae.safetensors", Kind: VAE, ApproxSize: 335_000_000},
		{Name: "clip_l.safetensors", URL: encodersRepo + "clip_l.safetensors", Kind: CLIP, ApproxSize: 246_000_000},
		{Name: "t5xxl_fp16.safetensors", URL: encodersRepo + "t5xxl_fp16.safetensors", Kind: CLIP, ApproxSize: 9_790_000_000},
	}
}

// Select returns the assets whose names appear in names. A name may omit the
// file extension. An empty names list selects everything.
func Select(assets []Asset, names []string) ([]Asset, error) {
	if len(names) == 0 {
		return assets, nil
	}
	out := make([]Asset, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		found := false
		for _, a := range assets {
			if a.Name == n || strings.TrimSuffix(a.Name, ".safetensors") == n {
				out = append(out, a)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown asset %q", n)
		}
	}
	return out, nil
}

// TotalSize sums ApproxSize over assets.
func TotalSize(assets []Asset) uint64 {
	var n uint64
	for _, a := range assets {
		n += a.ApproxSize
	}
	return n
}
