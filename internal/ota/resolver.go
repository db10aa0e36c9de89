// Package ota decides whether a device needs a firmware update and where the
// firmware can be downloaded from.
//
// Versions are compared with plain string equality: any current version that
// differs from the catalog's latest, including a newer one, triggers an update.
package ota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nekota/device-manager/internal/model"
)

const (
	DefaultDeviceType = "ESP32"
	DefaultBaseURL    = "https://example.com/firmware"
)

// Catalog is the durable firmware catalog. Lookups return (nil, nil) when
// nothing matches.
type Catalog interface {
	LatestFirmware(ctx context.Context, deviceType string) (*model.Firmware, error)
	FirmwareByVersion(ctx context.Context, deviceType, version string) (*model.Firmware, error)
	CountFirmware(ctx context.Context) (int64, error)
	CreateFirmware(ctx context.Context, rows []model.Firmware) error
}

// VersionSource resolves the firmware a registered device reported.
type VersionSource interface {
	FirmwareVersion(ctx context.Context, deviceID string) (string, bool, error)
}

type Options struct {
	DefaultDeviceType string
	// BaseURL prefixes placeholder download URLs.
	BaseURL string
}

type Resolver struct {
	catalog     Catalog
	devices     VersionSource
	defaultType string
	baseURL     string
}

func NewResolver(catalog Catalog, devices VersionSource, opts Options) *Resolver {
	r := &Resolver{
		catalog:     catalog,
		devices:     devices,
		defaultType: opts.DefaultDeviceType,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
	}
	if r.defaultType == "" {
		r.defaultType = DefaultDeviceType
	}
	if r.baseURL == "" {
		r.baseURL = DefaultBaseURL
	}
	return r
}

type CheckRequest struct {
	DeviceID       string
	CurrentVersion string
	DeviceType     string
}

type UpdateDecision struct {
	UpdateAvailable bool
	LatestVersion   string
	DownloadURL     string
	FileSize        int64
	Checksum        string
}

func (r *Resolver) CheckUpdate(ctx context.Context, req CheckRequest) (UpdateDecision, error) {
	deviceType := r.deviceType(req.DeviceType)

	current, known := req.CurrentVersion, req.CurrentVersion != ""
	if !known && req.DeviceID != "" && r.devices != nil {
		v, ok, err := r.devices.FirmwareVersion(ctx, req.DeviceID)
		if err != nil {
			return UpdateDecision{}, fmt.Errorf("resolve current version: %w", err)
		}
		current, known = v, ok
	}

	latest, err := r.catalog.LatestFirmware(ctx, deviceType)
	if err != nil {
		return UpdateDecision{}, fmt.Errorf("lookup latest firmware: %w", err)
	}
	if latest == nil {
		return UpdateDecision{}, nil
	}
	if known && current == latest.Version {
		return UpdateDecision{}, nil
	}
	return UpdateDecision{
		UpdateAvailable: true,
		LatestVersion:   latest.Version,
		DownloadURL:     latest.DownloadURL,
		FileSize:        latest.FileSize,
		Checksum:        latest.Checksum,
	}, nil
}

// DownloadURL never fails. Without a matching catalog row it returns a
// placeholder under the base URL, which is expected to 404 downstream.
func (r *Resolver) DownloadURL(ctx context.Context, version, deviceType string) string {
	deviceType = r.deviceType(deviceType)

	if version == "" {
		fw, err := r.catalog.LatestFirmware(ctx, deviceType)
		if err != nil {
			slog.Warn("latest firmware lookup failed, using placeholder", "device_type", deviceType, "error", err)
		}
		if fw != nil {
			return fw.DownloadURL
		}
		return r.baseURL + "/latest.bin"
	}

	fw, err := r.catalog.FirmwareByVersion(ctx, deviceType, version)
	if err != nil {
		slog.Warn("firmware lookup failed, using placeholder", "device_type", deviceType, "version", version, "error", err)
	}
	if fw != nil {
		return fw.DownloadURL
	}
	return r.baseURL + "/" + version + ".bin"
}

func (r *Resolver) deviceType(t string) string {
	if t == "" {
		return r.defaultType
	}
	return t
}
