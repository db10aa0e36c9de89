package httpapi

import (
	"net/http"

	"github.com/nekota/device-manager/internal/ota"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

type checkRequest struct {
	DeviceID       string `json:"device_id"`
	CurrentVersion string `json:"current_version"`
	DeviceType     string `json:"device_type"`
}

type checkResponse struct {
	UpdateAvailable bool   `json:"update_available"`
	LatestVersion   string `json:"latest_version,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
}

func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json body"))
		return
	}
	d, err := s.ota.CheckUpdate(r.Context(), ota.CheckRequest{
		DeviceID:       req.DeviceID,
		CurrentVersion: req.CurrentVersion,
		DeviceType:     req.DeviceType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, checkResponse{
		UpdateAvailable: d.UpdateAvailable,
		LatestVersion:   d.LatestVersion,
		DownloadURL:     d.DownloadURL,
		FileSize:        d.FileSize,
		Checksum:        d.Checksum,
	})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeOK(w, s.ota.DownloadURL(r.Context(), q.Get("version"), q.Get("deviceType")))
}

func (s *Server) handleOTAHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, serviceName+" is running")
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.deps.Version)
}
