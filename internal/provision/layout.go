// Package provision places the model files ComfyUI needs under its models
// directory: download, relocation of misplaced files, and verification.
package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind is a ComfyUI model folder under models/.
type Kind string

const (
	Checkpoints Kind = "checkpoints"
	UNet        Kind = "unet"
	VAE         Kind = "vae"
	CLIP        Kind = "clip"
)

// Kinds lists every model folder the relay knows about.
func Kinds() []Kind {
	return []Kind{Checkpoints, UNet, VAE, CLIP}
}

// ParseKind validates a folder name. An empty name means Checkpoints.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return Checkpoints, nil
	}
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown model kind %q (want one of checkpoints, unet, vae, clip)", s)
}

var modelSuffixes = []string{".safetensors", ".ckpt", ".pt"}

// Layout maps model kinds to directories under a ComfyUI installation.
type Layout struct {
	Root string
}

// Dir returns <root>/models/<kind>.
func (l Layout) Dir(k Kind) string {
	return filepath.Join(l.Root, "models", string(k))
}

// Path returns where asset a belongs.
func (l Layout) Path(a Asset) string {
	return filepath.Join(l.Dir(a.Kind), a.Name)
}

// EnsureDirs creates every model directory.
func (l Layout) EnsureDirs() error {
	for _, k := range Kinds() {
		if err := os.MkdirAll(l.Dir(k), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", l.Dir(k), err)
		}
	}
	return nil
}

// Models lists model files in the kind's directory, sorted. A missing
// directory yields an empty list.
func (l Layout) Models(k Kind) ([]string, error) {
	entries, err := os.ReadDir(l.Dir(k))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s models: %w", k, err)
	}

	models := []string{}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		if hasModelSuffix(e.Name()) {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}

func hasModelSuffix(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range modelSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
