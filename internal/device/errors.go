package device

import "errors"

var (
	ErrInvalidProvisionKey = errors.New("invalid provision key")
	ErrInvalidToken        = errors.New("invalid token")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrMissingMACAddress   = errors.New("mac_address is required")
)
