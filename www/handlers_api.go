package www

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"sortarm/arm"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// armErrorStatus maps driver sentinels to HTTP statuses.
func armErrorStatus(err error) int {
	switch {
	case errors.Is(err, arm.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, arm.ErrNotConnected), errors.Is(err, arm.ErrFaulted), errors.Is(err, arm.ErrNoDriver):
		return http.StatusPreconditionFailed
	case errors.Is(err, arm.ErrUnknownCategory), errors.Is(err, arm.ErrSpeedRange), errors.Is(err, arm.ErrUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) armAction(w http.ResponseWriter, action func() error) {
	if err := action(); err != nil {
		writeError(w, armErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Arm introspection ---

func (h *Handlers) apiArmStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"arm_type": h.engine.Arm().Type(),
		"status":   h.engine.Arm().Status(),
	})
}

func (h *Handlers) apiArmConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.Arm().Configuration()
	if err != nil {
		writeError(w, armErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, cfg)
}

func (h *Handlers) apiArmStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Arm().Statistics())
}

func (h *Handlers) apiArmHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	hist := h.engine.Arm().OperationHistory(limit)
	if hist == nil {
		hist = []arm.OperationRecord{}
	}
	writeJSON(w, hist)
}

func (h *Handlers) apiArmBins(w http.ResponseWriter, r *http.Request) {
	bins := h.engine.Arm().Bins()
	if bins == nil {
		bins = map[string]arm.Bin{}
	}
	writeJSON(w, bins)
}

// --- Arm lifecycle ---

func (h *Handlers) apiArmConnect(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().Connect)
}

func (h *Handlers) apiArmDisconnect(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().Disconnect)
}

func (h *Handlers) apiArmHome(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().Home)
}

func (h *Handlers) apiArmEmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().EmergencyStop)
}

func (h *Handlers) apiArmResetErrors(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().ResetErrors)
}

// --- Arm motion ---

func (h *Handlers) apiArmMovePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Z     float64 `json:"z"`
		Speed float64 `json:"speed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Speed == 0 {
		req.Speed = h.engine.Arm().Status().Speed
	}
	h.armAction(w, func() error {
		return h.engine.Arm().MoveToPosition(arm.Position{X: req.X, Y: req.Y, Z: req.Z}, req.Speed)
	})
}

func (h *Handlers) apiArmMoveJoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Joints arm.JointAngles `json:"joints"`
		Speed  float64         `json:"speed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Speed == 0 {
		req.Speed = h.engine.Arm().Status().Speed
	}
	h.armAction(w, func() error {
		return h.engine.Arm().MoveToJoints(req.Joints, req.Speed)
	})
}

func (h *Handlers) apiArmGrab(w http.ResponseWriter, r *http.Request) {
	var params *arm.GrabParameters
	if r.ContentLength > 0 {
		var req arm.GrabParameters
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		params = &req
	}
	h.armAction(w, func() error { return h.engine.Arm().Grab(params) })
}

func (h *Handlers) apiArmRelease(w http.ResponseWriter, r *http.Request) {
	h.armAction(w, h.engine.Arm().Release)
}

func (h *Handlers) apiArmSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.armAction(w, func() error { return h.engine.Arm().SetSpeed(req.Speed) })
}

// apiArmSort triggers a manual sort at explicit robot coordinates.
func (h *Handlers) apiArmSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string  `json:"category"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
		Z        float64 `json:"z"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category required")
		return
	}
	if !h.engine.Transform().InWorkspace(req.X, req.Y) {
		writeError(w, http.StatusBadRequest, "target outside workspace")
		return
	}
	h.armAction(w, func() error {
		return h.engine.Arm().SortGarbage(req.Category, arm.Position{X: req.X, Y: req.Y, Z: req.Z})
	})
}

func (h *Handlers) apiArmResetStatistics(w http.ResponseWriter, r *http.Request) {
	h.engine.Arm().ResetStatistics()
	writeJSON(w, map[string]string{"status": "ok"})
}

// apiArmSwitch hot-swaps the driver type and persists the choice.
func (h *Handlers) apiArmSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.Arm().SwitchType(req.Type); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := h.engine.AppConfig()
	cfg.Arm.Type = req.Type
	if path := h.engine.ConfigPath(); path != "" {
		if err := cfg.Save(path); err != nil {
			log.Printf("save config after arm switch: %v", err)
		}
	}
	writeJSON(w, map[string]string{"status": "ok", "type": req.Type})
}

// --- Sorter loop ---

func (h *Handlers) apiSorterStatus(w http.ResponseWriter, r *http.Request) {
	class, count, threshold := h.engine.Sorter().Progress()
	writeJSON(w, map[string]interface{}{
		"running":      h.engine.Sorter().Running(),
		"tracking":     class,
		"stable_count": count,
		"threshold":    threshold,
	})
}

func (h *Handlers) apiSorterStart(w http.ResponseWriter, r *http.Request) {
	h.engine.StartSorter()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiSorterStop(w http.ResponseWriter, r *http.Request) {
	h.engine.StopSorter()
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Transform and calibration ---

func (h *Handlers) apiTransformConvert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, ok := h.engine.Transform().SafeConvert(req.X, req.Y)
	x, y := h.engine.Transform().Convert(req.X, req.Y)
	writeJSON(w, map[string]interface{}{
		"x":            x,
		"y":            y,
		"in_workspace": ok,
		"target":       target,
	})
}

func (h *Handlers) apiCalibrationGet(w http.ResponseWriter, r *http.Request) {
	img, rob := h.engine.Transform().CalibrationPoints()
	resp := map[string]interface{}{
		"image_points": img,
		"robot_points": rob,
		"matrix":       h.engine.Transform().Matrix(),
	}
	if db := h.engine.DB(); db != nil {
		if list, err := db.ListCalibrations(); err == nil {
			resp["stored"] = list
		}
	}
	writeJSON(w, resp)
}

func (h *Handlers) apiCalibrationUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string       `json:"name"`
		ImagePoints [][2]float64 `json:"image_points"`
		RobotPoints [][2]float64 `json:"robot_points"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.UpdateCalibration(req.Name, req.ImagePoints, req.RobotPoints); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Persisted operations ---

func (h *Handlers) apiOperations(w http.ResponseWriter, r *http.Request) {
	db := h.engine.DB()
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	ops, err := db.ListOperations(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, ops)
}

func (h *Handlers) apiOperationStats(w http.ResponseWriter, r *http.Request) {
	db := h.engine.DB()
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database")
		return
	}
	counts, err := db.CountOperations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, counts)
}

// --- Config ---

// apiUpdateSorterConfig tunes the debounce parameters and persists them.
// Changes take effect on the next sorter restart.
func (h *Handlers) apiUpdateSorterConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StableThreshold   int     `json:"stable_threshold"`
		PositionTolerance float64 `json:"position_tolerance"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StableThreshold <= 0 || req.PositionTolerance <= 0 {
		writeError(w, http.StatusBadRequest, "threshold and tolerance must be positive")
		return
	}

	cfg := h.engine.AppConfig()
	cfg.Lock()
	cfg.Sorter.StableThreshold = req.StableThreshold
	cfg.Sorter.PositionTolerance = req.PositionTolerance
	cfg.Unlock()

	if path := h.engine.ConfigPath(); path != "" {
		if err := cfg.Save(path); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
