package httpapi

import (
	"net/http"

	"github.com/nekota/device-manager/internal/provision"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

// provisionRequest accepts the device id under either spelling; device_id wins.
type provisionRequest struct {
	DeviceID    string `json:"device_id"`
	DeviceIDAlt string `json:"deviceId"`
}

func (p provisionRequest) id() string {
	if p.DeviceID != "" {
		return p.DeviceID
	}
	return p.DeviceIDAlt
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json body"))
		return
	}
	token, err := s.provision.Issue(r.Context(), r.Header.Get("Provision-Admin-Key"), req.id())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, token)
}

type jwtResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Server) handleProvisionJWT(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json body"))
		return
	}
	token, err := s.provision.IssueJWT(r.Header.Get("X-Admin-Key"), req.id())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, jwtResponse{Token: token, ExpiresIn: int64(provision.JWTTTL.Seconds())})
}
