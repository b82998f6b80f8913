// Package paramstore implements the single source of truth for all runtime
// parameters: grouped key/value maps with per-group subscriptions, an
// allow-list of frontend-editable fields, and atomic TOML persistence for
// non-volatile groups.
package paramstore

// Group names, fixed at construction. Components never invent new groups.
const (
	GroupMonitor     = "monitor"
	GroupCamera      = "camera"
	GroupStimulus    = "stimulus"
	GroupAcquisition = "acquisition"
	GroupSystem      = "system"
)

// Descriptor describes one parameter group: which keys it carries, which of
// those are user-editable from the frontend (the rest are hardware-detection
// or capability outputs and are rejected on update), and the sentinel
// defaults substituted for volatile groups before a save.
type Descriptor struct {
	// Keys lists every key the group recognizes. update() rejects unknown
	// keys with ValidationFailed.
	Keys []string
	// UserEditable is the allow-list of keys a frontend-originated update may
	// change. Keys in Keys but not here fail with FieldNotUserEditable.
	UserEditable map[string]bool
	// Defaults is the value written to disk for each key when the group is
	// volatile. Also used to seed a brand-new store.
	Defaults map[string]any
}

// Descriptors is the fixed table of group descriptors for this system. It is
// not configurable at runtime — adding a parameter means adding it here.
var Descriptors = map[string]Descriptor{
	GroupMonitor: {
		Keys: []string{
			"width_px", "height_px", "width_cm", "height_cm",
			"distance_cm", "lateral_angle_deg", "tilt_angle_deg", "fps",
		},
		UserEditable: map[string]bool{
			"width_cm": true, "height_cm": true, "distance_cm": true,
			"lateral_angle_deg": true, "tilt_angle_deg": true,
		},
		Defaults: map[string]any{
			"width_px": -1, "height_px": -1,
			"width_cm": -1.0, "height_cm": -1.0,
			"distance_cm": -1.0, "lateral_angle_deg": 0.0, "tilt_angle_deg": 0.0,
			"fps": -1,
		},
	},
	GroupCamera: {
		Keys: []string{
			"selected_name", "width_px", "height_px", "fps", "available",
		},
		UserEditable: map[string]bool{
			"selected_name": true,
		},
		Defaults: map[string]any{
			"selected_name": "",
			"width_px":      -1,
			"height_px":     -1,
			"fps":           -1,
			"available":     []any{},
		},
	},
	GroupStimulus: {
		Keys: []string{
			"bar_width_degrees", "drift_speed_deg_per_sec", "checker_size_degrees",
			"flicker_hz", "background_luminance", "transform_mode",
		},
		UserEditable: map[string]bool{
			"bar_width_degrees": true, "drift_speed_deg_per_sec": true,
			"checker_size_degrees": true, "flicker_hz": true,
			"background_luminance": true, "transform_mode": true,
		},
		Defaults: map[string]any{
			"bar_width_degrees":       20.0,
			"drift_speed_deg_per_sec": 9.0,
			"checker_size_degrees":    25.0,
			"flicker_hz":              6.0,
			"background_luminance":    0.5,
			"transform_mode":          "spherical",
		},
	},
	GroupAcquisition: {
		Keys: []string{
			"directions", "repetitions", "baseline_sec", "inter_trial_sec",
		},
		UserEditable: map[string]bool{
			"directions": true, "repetitions": true,
			"baseline_sec": true, "inter_trial_sec": true,
		},
		Defaults: map[string]any{
			"directions":      []any{"LR", "RL", "TB", "BT"},
			"repetitions":     10,
			"baseline_sec":    30.0,
			"inter_trial_sec": 10.0,
		},
	},
	GroupSystem: {
		Keys: []string{"development_mode", "log_level"},
		UserEditable: map[string]bool{
			"development_mode": true,
		},
		Defaults: map[string]any{
			"development_mode": false,
			"log_level":        "info",
		},
	},
}

// VolatileGroups lists groups never persisted to disk. Reset to sentinel
// defaults on save; in-memory values remain live across the process
// lifetime until hardware re-detection repopulates them.
var VolatileGroups = map[string]bool{
	GroupCamera:  true,
	GroupMonitor: true,
}
