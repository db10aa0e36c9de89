package model

import "time"

// Firmware describes one downloadable artifact. Version and DeviceType are
// unique together; at most one row per DeviceType carries IsLatest.
type Firmware struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Version     string    `gorm:"not null;uniqueIndex:idx_firmware_type_version,priority:2" json:"version"`
	DeviceType  string    `gorm:"not null;uniqueIndex:idx_firmware_type_version,priority:1;index:idx_firmware_type_latest,priority:1" json:"device_type"`
	DownloadURL string    `gorm:"not null" json:"download_url"`
	FileSize    int64     `json:"file_size"`
	Checksum    string    `json:"checksum"`
	IsLatest    bool      `gorm:"not null;default:false;index:idx_firmware_type_latest,priority:2" json:"is_latest"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Firmware) TableName() string { return "firmware" }
