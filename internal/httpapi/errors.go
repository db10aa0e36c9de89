package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nekota/device-manager/internal/device"
	"github.com/nekota/device-manager/internal/provision"
	"github.com/nekota/device-manager/internal/store"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

// toAppError maps domain errors onto HTTP statuses. Order matters: a
// heartbeat for an unknown device matches both ErrInvalidToken and
// ErrDeviceNotFound and is reported as 401.
func toAppError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, device.ErrInvalidProvisionKey):
		return apperrors.Forbidden(device.ErrInvalidProvisionKey.Error())
	case errors.Is(err, device.ErrMissingMACAddress):
		return apperrors.BadRequest(device.ErrMissingMACAddress.Error()).WithField("field", "mac_address")
	case errors.Is(err, device.ErrInvalidToken):
		return apperrors.Unauthorized(device.ErrInvalidToken.Error())
	case errors.Is(err, device.ErrDeviceNotFound):
		return apperrors.NotFound(device.ErrDeviceNotFound.Error())
	case errors.Is(err, provision.ErrUnauthorized):
		return apperrors.Unauthorized(provision.ErrUnauthorized.Error())
	case errors.Is(err, provision.ErrMissingDeviceID):
		return apperrors.BadRequest(provision.ErrMissingDeviceID.Error())
	case errors.Is(err, provision.ErrJWTDisabled):
		return apperrors.NotImplemented(provision.ErrJWTDisabled.Error())
	case errors.Is(err, store.ErrUnavailable):
		return apperrors.Unavailable("storage unavailable", err)
	}
	return apperrors.InternalServerError("internal error", err)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	if appErr.Code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", appErr.Code, "error", err)
	}
	apperrors.WriteError(w, appErr)
}
