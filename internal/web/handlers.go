package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/andresmejia3/facecap/internal/crop"
	"github.com/andresmejia3/facecap/internal/types"
	"github.com/go-chi/chi/v5"
)

// PartFace names the whole face crop in capture part URLs.
const PartFace = "face"

// SessionResponse describes the running session.
type SessionResponse struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Count     int       `json:"count"`
	Max       int       `json:"max"`
	Progress  float64   `json:"progress"`
	Full      bool      `json:"full"`
}

// CaptureResponse is a capture without its image bytes.
type CaptureResponse struct {
	ID         string    `json:"id"`
	FaceID     string    `json:"face_id"`
	Box        types.Box `json:"box"`
	CapturedAt time.Time `json:"captured_at"`
	Parts      []string  `json:"parts"`
}

// GroupResponse lists capture IDs sharing an identity key.
type GroupResponse struct {
	FaceID   string   `json:"face_id"`
	Captures []string `json:"captures"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SessionResponse{
		ID:        s.session.ID,
		StartedAt: s.session.StartedAt,
		Count:     s.session.Len(),
		Max:       s.session.Max(),
		Progress:  s.session.Progress(),
		Full:      s.session.Full(),
	})
}

// capturePart returns the JPEG bytes for part, and whether part is a known name.
func capturePart(c types.Capture, part string) ([]byte, bool) {
	switch part {
	case PartFace:
		return c.Image, true
	case crop.LeftEye:
		return c.LeftEye, true
	case crop.RightEye:
		return c.RightEye, true
	case crop.Nose:
		return c.Nose, true
	case crop.Mouth:
		return c.Mouth, true
	}
	return nil, false
}

func toCaptureResponse(c types.Capture) CaptureResponse {
	resp := CaptureResponse{
		ID:         c.ID,
		FaceID:     c.FaceID,
		Box:        c.Box,
		CapturedAt: c.CapturedAt,
		Parts:      []string{},
	}
	for _, name := range append([]string{PartFace}, crop.FeatureNames...) {
		if data, _ := capturePart(c, name); len(data) > 0 {
			resp.Parts = append(resp.Parts, name)
		}
	}
	return resp
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	captures := s.session.Captures()
	resp := make([]CaptureResponse, 0, len(captures))
	for _, c := range captures {
		resp = append(resp, toCaptureResponse(c))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session.Capture(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "capture not found")
		return
	}
	respondJSON(w, http.StatusOK, toCaptureResponse(c))
}

func (s *Server) getCapturePart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session.Capture(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "capture not found")
		return
	}
	data, known := capturePart(c, chi.URLParam(r, "part"))
	if !known {
		respondError(w, http.StatusBadRequest, "unknown capture part")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusNotFound, "crop not available")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.session.Groups()
	resp := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		ids := make([]string, 0, len(g.Captures))
		for _, c := range g.Captures {
			ids = append(ids, c.ID)
		}
		resp = append(resp, GroupResponse{FaceID: g.FaceID, Captures: ids})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getOverlay(w http.ResponseWriter, r *http.Request) {
	if s.overlay == nil {
		respondError(w, http.StatusNotFound, "overlay disabled")
		return
	}
	data, err := s.overlay.PNG()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode overlay")
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
