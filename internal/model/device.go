package model

import "time"

const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusNotFound = "not_found"
)

type Device struct {
	DeviceID        string    `gorm:"column:device_id;primaryKey" json:"device_id"`
	MACAddress      string    `gorm:"column:mac_address;uniqueIndex;not null" json:"mac_address"`
	DeviceType      string    `gorm:"column:device_type" json:"device_type"`
	FirmwareVersion string    `gorm:"column:firmware_version" json:"firmware_version"`
	AccessToken     string    `gorm:"column:access_token" json:"-"`
	LastHeartbeat   time.Time `gorm:"column:last_heartbeat" json:"last_heartbeat"`
	Status          string    `gorm:"column:status" json:"status"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Device) TableName() string { return "manager_devices" }
