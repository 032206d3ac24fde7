package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/go-chi/chi/v5"
)

type trainRequest struct {
	Identity string `json:"identity"`
	Manual   bool   `json:"manual"`
}

type thresholdBody struct {
	Threshold float64 `json:"threshold"`
}

type thresholdError struct {
	Error     string  `json:"error"`
	Threshold float64 `json:"threshold"`
}

type identity struct {
	Name    string `json:"name"`
	Samples int    `json:"samples"`
}

type status struct {
	Running    bool            `json:"running"`
	Threshold  float64         `json:"threshold"`
	Enrollment enroll.Progress `json:"enrollment"`
}

func (s *Server) routes(r chi.Router) {
	r.Get("/status", s.handleStatus)

	r.Get("/train", s.handleEnrollment)
	r.Post("/train", s.handleTrain)
	r.Post("/train/capture", s.handleCapture)
	r.Delete("/train", s.handleCancelTraining)

	r.Post("/recognition", s.handleRecognition)

	r.Get("/threshold", s.handleGetThreshold)
	r.Put("/threshold", s.handleSetThreshold)

	r.Get("/identities", s.handleIdentities)
	r.Delete("/faces", s.handleClear)

	r.Get("/history", s.handleHistory)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)
	r.Get("/frame", s.handleFrame)

	r.Post("/exit", s.handleExit)
}

func (s *Server) status() status {
	return status{
		Running:    s.ctrl.Running(),
		Threshold:  s.ctrl.Threshold(),
		Enrollment: s.ctrl.Enrollment(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEnrollment(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Enrollment())
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.Train(r.Context(), req.Identity, req.Manual); err != nil {
		s.respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.ctrl.Enrollment())
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CaptureNow(r.Context()); err != nil {
		s.respondControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTraining(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CancelTraining(r.Context()); err != nil {
		s.respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Enrollment())
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartRecognition(r.Context()); err != nil {
		s.respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, thresholdBody{Threshold: s.ctrl.Threshold()})
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetThreshold(req.Threshold); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, thresholdError{
			Error:     err.Error(),
			Threshold: s.ctrl.Threshold(),
		})
		return
	}
	respondJSON(w, http.StatusOK, thresholdBody{Threshold: s.ctrl.Threshold()})
}

func (s *Server) handleIdentities(w http.ResponseWriter, _ *http.Request) {
	counts := s.ctrl.Counts()
	out := make([]identity, 0, len(counts))
	for name, n := range counts {
		out = append(out, identity{Name: name, Samples: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClearAll(r.Context()); err != nil {
		s.respondControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.ctrl.History()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if entries == nil {
		entries = []matcher.Result{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	ev := s.latestFrame()
	if len(ev.Frame) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Index", strconv.Itoa(ev.FrameIndex))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(ev.Frame))
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Exit(r.Context()); err != nil {
		s.logger.Warn("worker stopped with error", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondControlError maps controller errors to status codes.
func (s *Server) respondControlError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, enroll.ErrEmptyIdentity):
		code = http.StatusBadRequest
	case errors.Is(err, enroll.ErrInProgress),
		errors.Is(err, enroll.ErrNotCapturing),
		errors.Is(err, engine.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrSourceUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondError(w, code, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, types.ErrorResult{Error: message})
}
