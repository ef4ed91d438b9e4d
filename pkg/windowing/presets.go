package windowing

import "strings"

// Preset is a named, clinically conventional window.
type Preset struct {
	Name string `json:"name" yaml:"name"`
	Window
}

// presets is ordered as shown to readers.
var presets = []Preset{
	{Name: "Abdomen", Window: Window{Level: 40, Width: 400}},
	{Name: "Lung", Window: Window{Level: -600, Width: 1500}},
	{Name: "Bone", Window: Window{Level: 400, Width: 1800}},
	{Name: "Brain", Window: Window{Level: 40, Width: 80}},
	{Name: "Soft Tissue", Window: Window{Level: 50, Width: 350}},
}

// DefaultWindow is the window a freshly opened volume is shown with.
var DefaultWindow = presets[0].Window

// Presets returns a copy of the preset table.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// LookupPreset finds a preset by name, ignoring case, surrounding space and
// the difference between "Soft Tissue", "soft-tissue" and "soft_tissue".
func LookupPreset(name string) (Preset, bool) {
	key := normalizePresetName(name)
	for _, p := range presets {
		if normalizePresetName(p.Name) == key {
			return p, true
		}
	}
	return Preset{}, false
}

func normalizePresetName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(name)
}
