package workflow

import (
	"sort"
)

// DefaultAspectRatio is used whenever a request names no preset or an
// unknown one.
const DefaultAspectRatio = "1:1"

// Preset is a named aspect ratio with fixed pixel dimensions. All presets
// hold roughly the same pixel count.
type Preset struct {
	Name   string
	Width  int
	Height int
}

// Pixels returns Width*Height.
func (p Preset) Pixels() int {
	return p.Width * p.Height
}

var presets = map[string]Preset{
	"1:1":  {Name: "1:1", Width: 1536, Height: 1536},
	"16:9": {Name: "16:9", Width: 2048, Height: 1152},
	"9:16": {Name: "9:16", Width: 1152, Height: 2048},
	"4:3":  {Name: "4:3", Width: 1776, Height: 1328},
	"3:2":  {Name: "3:2", Width: 1888, Height: 1256},
	"21:9": {Name: "21:9", Width: 2400, Height: 1024},
}

// Resolve maps an aspect-ratio name to its preset. Unknown or empty names
// resolve to the 1:1 preset; ok reports whether name was recognized.
func Resolve(name string) (Preset, bool) {
	if p, ok := presets[name]; ok {
		return p, true
	}
	return presets[DefaultAspectRatio], false
}

// Presets returns every known preset ordered by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
