package composition

import (
	"fmt"

	"github.com/kimlab/isi-acquire/internal/camera"
	"github.com/kimlab/isi-acquire/internal/orchestrator"
	"github.com/kimlab/isi-acquire/internal/paramstore"
	"github.com/kimlab/isi-acquire/internal/stimulus"
)

// registerHandlers binds every command the control bus accepts to a closure
// over the wired collaborators. This is the one place command names are
// spelled out; everything downstream operates on typed requests.
func (a *App) registerHandlers() {
	d := a.Dispatcher

	d.Register("get_parameters", a.handleGetParameters)
	d.Register("update_parameters", a.handleUpdateParameters)
	d.Register("detect_cameras", a.handleDetectCameras)
	d.Register("select_camera", a.handleSelectCamera)
	d.Register("start_preview", a.handleStartPreview)
	d.Register("stop_preview", a.handleStopPreview)
	d.Register("start_record", a.handleStartRecord)
	d.Register("stop_record", a.handleStopRecord)
	d.Register("pregenerate_stimulus", a.handlePregenerateStimulus)
	d.Register("load_library", a.handleLoadLibrary)
	d.Register("save_library", a.handleSaveLibrary)
	d.Register("get_acquisition_status", a.handleGetAcquisitionStatus)
	d.Register("emergency_stop", a.handleEmergencyStop)
}

func (a *App) handleGetParameters(cmd map[string]any) (map[string]any, error) {
	group, _ := cmd["group"].(string)
	if group == "" {
		return nil, fmt.Errorf("get_parameters: missing group")
	}
	values, err := a.Store.GetGroup(group)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": group, "values": values}, nil
}

func (a *App) handleUpdateParameters(cmd map[string]any) (map[string]any, error) {
	group, _ := cmd["group"].(string)
	if group == "" {
		return nil, fmt.Errorf("update_parameters: missing group")
	}
	values, _ := cmd["values"].(map[string]any)
	if err := a.Store.UpdateFromFrontend(group, values); err != nil {
		return nil, err
	}
	return map[string]any{"group": group}, nil
}

func (a *App) handleDetectCameras(cmd map[string]any) (map[string]any, error) {
	devices := camera.EnumerateCameras(10)
	list := make([]any, len(devices))
	for i, d := range devices {
		list[i] = map[string]any{
			"index":  d.Index,
			"name":   d.Name,
			"width":  d.Width,
			"height": d.Height,
		}
	}
	// "available" is a capability output, not user-editable; go through
	// Update (not UpdateFromFrontend) to record what detection found.
	if err := a.Store.Update(paramstore.GroupCamera, map[string]any{"available": list}); err != nil && a.Log != nil {
		a.Log.Warnw("detect_cameras: recording available devices", "error", err)
	}
	return map[string]any{"devices": list}, nil
}

func (a *App) handleSelectCamera(cmd map[string]any) (map[string]any, error) {
	name, _ := cmd["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("select_camera: missing name")
	}
	if err := a.Store.UpdateFromFrontend(paramstore.GroupCamera, map[string]any{"selected_name": name}); err != nil {
		return nil, err
	}
	return map[string]any{"selected_name": name}, nil
}

func (a *App) handleStartPreview(cmd map[string]any) (map[string]any, error) {
	direction, _ := cmd["direction"].(string)
	if direction == "" {
		return nil, fmt.Errorf("start_preview: missing direction")
	}
	if err := a.Orchestrator.StartPreview(direction); err != nil {
		return nil, err
	}
	return map[string]any{"direction": direction}, nil
}

func (a *App) handleStopPreview(cmd map[string]any) (map[string]any, error) {
	if err := a.Orchestrator.StopPreview(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleStartRecord(cmd map[string]any) (map[string]any, error) {
	plan := orchestrator.Plan{
		SessionName:   stringField(cmd, "session_name"),
		Directions:    stringSliceField(cmd, "directions"),
		Repetitions:   intField(cmd, "repetitions", 1),
		BaselineSec:   floatField(cmd, "baseline_sec", 30),
		InterTrialSec: floatField(cmd, "inter_trial_sec", 10),
	}
	if len(plan.Directions) == 0 {
		plan.Directions = []string{"LR", "RL", "TB", "BT"}
	}
	session, err := a.Orchestrator.StartRecord(plan)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": session.ID, "dir": session.Dir}, nil
}

func (a *App) handleStopRecord(cmd map[string]any) (map[string]any, error) {
	if err := a.Orchestrator.Stop(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handlePregenerateStimulus(cmd map[string]any) (map[string]any, error) {
	a.Control.Publish("pregeneration_started", nil)
	if err := a.Library.Pregenerate(func(direction stimulus.Direction) {
		a.Control.Publish("pregeneration_progress", map[string]any{"direction": string(direction)})
	}); err != nil {
		a.Control.Publish("pregeneration_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	a.Control.Publish("pregeneration_complete", nil)
	return map[string]any{"status": a.Library.Status().String()}, nil
}

func (a *App) handleLoadLibrary(cmd map[string]any) (map[string]any, error) {
	dir := stringField(cmd, "dir")
	if dir == "" {
		return nil, fmt.Errorf("load_library: missing dir")
	}
	if err := a.Library.Load(dir); err != nil {
		return nil, err
	}
	return map[string]any{"status": a.Library.Status().String()}, nil
}

func (a *App) handleSaveLibrary(cmd map[string]any) (map[string]any, error) {
	dir := stringField(cmd, "dir")
	if dir == "" {
		return nil, fmt.Errorf("save_library: missing dir")
	}
	if err := a.Library.Save(dir, a.Log); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleGetAcquisitionStatus(cmd map[string]any) (map[string]any, error) {
	status := map[string]any{"state": a.Orchestrator.State().String()}
	if session := a.Orchestrator.Session(); session != nil {
		status["session_id"] = session.ID
		status["directions_completed"] = session.DirectionsCompleted
	}
	return status, nil
}

func (a *App) handleEmergencyStop(cmd map[string]any) (map[string]any, error) {
	a.Orchestrator.EmergencyStop()
	return nil, nil
}

func stringField(cmd map[string]any, key string) string {
	v, _ := cmd[key].(string)
	return v
}

func stringSliceField(cmd map[string]any, key string) []string {
	raw, ok := cmd[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intField(cmd map[string]any, key string, fallback int) int {
	switch v := cmd[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func floatField(cmd map[string]any, key string, fallback float64) float64 {
	switch v := cmd[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}
