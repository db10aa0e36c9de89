package ota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nekota/device-manager/internal/model"
)

// BootstrapFirmware is inserted into an empty catalog. Exactly one row per
// device type is marked latest.
var BootstrapFirmware = []model.Firmware{
	{Version: "1.0.0", DeviceType: "ESP32", DownloadURL: "https://example.com/firmware/esp32_v1.0.0.bin", FileSize: 1024000, Checksum: "abc123", IsLatest: false},
	{Version: "1.1.0", DeviceType: "ESP32", DownloadURL: "https://example.com/firmware/esp32_v1.1.0.bin", FileSize: 1048576, Checksum: "def456", IsLatest: true},
	{Version: "1.0.0", DeviceType: "ESP32-S3", DownloadURL: "https://example.com/firmware/esp32s3_v1.0.0.bin", FileSize: 2097152, Checksum: "ghi789", IsLatest: true},
}

// SeedCatalog inserts BootstrapFirmware only when the catalog holds no rows
// at all. It reports whether anything was inserted.
func SeedCatalog(ctx context.Context, catalog Catalog) (bool, error) {
	n, err := catalog.CountFirmware(ctx)
	if err != nil {
		return false, fmt.Errorf("count firmware: %w", err)
	}
	if n > 0 {
		slog.Info("firmware catalog already populated, skipping seed", "rows", n)
		return false, nil
	}
	rows := make([]model.Firmware, len(BootstrapFirmware))
	copy(rows, BootstrapFirmware)
	if err := catalog.CreateFirmware(ctx, rows); err != nil {
		return false, fmt.Errorf("seed firmware: %w", err)
	}
	slog.Info("firmware catalog seeded", "rows", len(rows))
	return true, nil
}
