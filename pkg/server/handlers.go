package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"readstudy/internal/models"
	"readstudy/pkg/study"
	"readstudy/pkg/visualization"
	"readstudy/pkg/volume"
	"readstudy/pkg/windowing"
)

// writeJSON encodes v before touching the response, so an unencodable value
// becomes a 500 rather than a 200 with an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		body = []byte(`{"detail":"internal error"}`)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeEngineError maps loader and windowing failures to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, volume.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, volume.ErrFormat):
		s.logger.Error("malformed volume", "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, windowing.ErrInvalidWindow), errors.Is(err, visualization.ErrUnknownPreset):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, visualization.ErrNoVolume):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "CT Read Study Platform API",
		"version": "1.0.0",
		"status":  "running",
	})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, windowing.Presets())
}

type loginRequest struct {
	Affiliation string `json:"affiliation"`
	Name        string `json:"name"`
	Password    string `json:"password"`
}

type loginResponse struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	InspectorID int64             `json:"inspector_id,omitempty"`
	Inspector   *models.Inspector `json:"inspector_info,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.auth.Validate(req.Affiliation, req.Name, req.Password); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, study.ErrMissingField) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, loginResponse{Success: false, Message: err.Error()})
		return
	}

	ins, err := s.study.GetOrCreateInspector(r.Context(), req.Affiliation, req.Name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.startSession(w, r, ins); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info("inspector logged in", "inspector", ins.ID, "affiliation", ins.Affiliation)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:     true,
		Message:     "logged in",
		InspectorID: ins.ID,
		Inspector:   &ins,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.endSession(w, r); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rd := s.lookupReader(r)
	if rd == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "inspector": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "inspector": rd.inspector})
}

func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())

	patients, err := s.volumes.Patients(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	results, err := s.study.InspectorResults(r.Context(), rd.inspector.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	submitted := make([]string, 0, len(results))
	for _, res := range results {
		submitted = append(submitted, res.PatientID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patients":           patients,
		"submitted_patients": submitted,
	})
}

func (s *Server) handlePatientInfo(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())
	patientID := chi.URLParam(r, "patientID")

	h, err := rd.viewer.Open(r.Context(), patientID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	result, err := s.study.Result(r.Context(), rd.inspector.ID, patientID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"volume_info":     h.Info(),
		"analysis_result": result,
		"window_presets":  windowing.Presets(),
		"window":          rd.viewer.Window(),
	})
}

type sliceRequest struct {
	PatientID   string   `json:"patient_id"`
	SliceIndex  int      `json:"slice_idx"`
	WindowLevel *float64 `json:"window_level"`
	WindowWidth *float64 `json:"window_width"`
	Preset      string   `json:"preset,omitempty"`

	// Format is "png" (default, a data URL) or "rgb" (base64 packed RGB triples)
	Format string `json:"format,omitempty"`
}

type sliceResponse struct {
	Image       string  `json:"image"`
	Format      string  `json:"format"`
	Height      int     `json:"height"`
	Width       int     `json:"width"`
	SliceIndex  int     `json:"slice_idx"`
	WindowLevel float64 `json:"window_level"`
	WindowWidth float64 `json:"window_width"`
}

// resolveWindow picks the window for a render: a preset wins, then explicit
// level/width over base.
func resolveWindow(base windowing.Window, preset string, level, width *float64) (windowing.Window, error) {
	if preset != "" {
		p, ok := windowing.LookupPreset(preset)
		if !ok {
			return windowing.Window{}, visualization.ErrUnknownPreset
		}
		return p.Window, nil
	}
	win := base
	if level != nil {
		win.Level = *level
	}
	if width != nil {
		win.Width = *width
	}
	return win, nil
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())

	var req sliceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Format != "" && req.Format != "png" && req.Format != "rgb" {
		writeError(w, http.StatusBadRequest, "format must be png or rgb")
		return
	}
	if _, err := rd.viewer.Open(r.Context(), req.PatientID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	win, err := resolveWindow(windowing.DefaultWindow, req.Preset, req.WindowLevel, req.WindowWidth)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	img, index, err := rd.viewer.RenderWindow(req.SliceIndex, win)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := sliceResponse{
		Format:      req.Format,
		Height:      img.Bounds().Dy(),
		Width:       img.Bounds().Dx(),
		SliceIndex:  index,
		WindowLevel: win.Level,
		WindowWidth: win.Width,
	}
	switch req.Format {
	case "rgb":
		resp.Image = base64.StdEncoding.EncodeToString(windowing.RGBBytes(img))
	case "", "png":
		var buf bytes.Buffer
		if err := windowing.EncodePNG(&buf, img); err != nil {
			s.writeEngineError(w, err)
			return
		}
		resp.Format = "png"
		resp.Image = windowing.DataURL(buf.Bytes())
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseFloatParam(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Server) handleSlicePNG(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())
	patientID := chi.URLParam(r, "patientID")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "slice index must be an integer")
		return
	}
	level, err := parseFloatParam(r, "level")
	if err != nil {
		writeError(w, http.StatusBadRequest, "level must be a number")
		return
	}
	width, err := parseFloatParam(r, "width")
	if err != nil {
		writeError(w, http.StatusBadRequest, "width must be a number")
		return
	}

	if _, err := rd.viewer.Open(r.Context(), patientID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	win, err := resolveWindow(rd.viewer.Window(), r.URL.Query().Get("preset"), level, width)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	img, clamped, err := rd.viewer.RenderWindow(index, win)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Slice-Index", strconv.Itoa(clamped))
	if err := windowing.EncodePNG(w, img); err != nil {
		s.logger.Warn("failed to write slice", "patient", patientID, "err", err)
	}
}

// handleReload re-reads a patient's volume from disk, replacing the
// session's resident copy.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())
	patientID := chi.URLParam(r, "patientID")

	if _, err := rd.viewer.Open(r.Context(), patientID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	h, err := rd.viewer.Reload(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Debug("volume reloaded", "patient", patientID)
	writeJSON(w, http.StatusOK, map[string]any{"volume_info": h.Info()})
}

type submitRequest struct {
	PatientID string `json:"patient_id"`
	Result    string `json:"result"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rd := readerFrom(r.Context())

	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	verdict, err := models.ParseVerdict(req.Result)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := s.volumes.Path(req.PatientID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	if err := s.study.SaveResult(r.Context(), rd.inspector.ID, req.PatientID, verdict); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("result submitted", "inspector", rd.inspector.ID, "patient", req.PatientID, "result", verdict)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "result submitted"})
}

func (s *Server) handlePatientResults(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	results, err := s.study.PatientResults(r.Context(), patientID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient_id":  patientID,
		"results":     results,
		"total_count": len(results),
	})
}
