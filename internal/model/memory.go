package model

import "time"

// AgentMemory is the durable copy of a device's short-term agent memory.
type AgentMemory struct {
	DeviceID  string    `gorm:"column:device_id;primaryKey" json:"device_id"`
	Content   string    `gorm:"column:content;type:text" json:"content"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (AgentMemory) TableName() string { return "agent_memory" }
