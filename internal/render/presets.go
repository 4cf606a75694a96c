package render

import (
	"sort"
	"strings"
)

// Preset is a named display window.
type Preset struct {
	Name   string  `json:"name"`
	Width  float64 `json:"ww"`
	Center float64 `json:"wc"`
}

var presets = map[string]Preset{
	"lung":        {Name: "lung", Width: 1500, Center: -600},
	"bone":        {Name: "bone", Width: 2000, Center: 300},
	"soft-tissue": {Name: "soft-tissue", Width: 400, Center: 40},
	"brain":       {Name: "brain", Width: 100, Center: 50},
	"liver":       {Name: "liver", Width: 200, Center: 50},
	"chest-xray":  {Name: "chest-xray", Width: 2500, Center: 500},
	"bone-xray":   {Name: "bone-xray", Width: 4000, Center: 2000},
	"abdomen":     {Name: "abdomen", Width: 350, Center: 50},
}

// LookupPreset resolves a preset by name, case-insensitively.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[strings.ToLower(name)]
	return p, ok
}

// Presets returns all presets sorted by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
