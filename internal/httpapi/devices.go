package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nekota/device-manager/internal/device"
	"github.com/nekota/device-manager/internal/observability"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

type registerRequest struct {
	MACAddress      string `json:"mac_address"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
	ProvisionKey    string `json:"provision_key"`
}

type registerResponse struct {
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
	ServerURL   string `json:"server_url"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json body"))
		return
	}

	res, err := s.devices.Register(r.Context(), device.RegisterRequest{
		MACAddress:      req.MACAddress,
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
		ProvisionKey:    req.ProvisionKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	observability.RecordRegistration(res.Rotated)
	writeOK(w, registerResponse{DeviceID: res.DeviceID, AccessToken: res.AccessToken, ServerURL: res.ServerURL})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	// a missing deviceId fails token validation like an unknown one
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if err := s.devices.Heartbeat(r.Context(), deviceID, r.Header.Get("Authorization")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, "Heartbeat updated")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.devices.Status(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, status)
}
