package device

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nekota/device-manager/internal/events"
	"github.com/nekota/device-manager/internal/model"
)

const DefaultOfflineAfter = 5 * time.Minute

// Store is the durable device store. Lookups return (nil, nil) when the
// device does not exist. SaveDevice is only used for new rows.
type Store interface {
	DeviceByID(ctx context.Context, deviceID string) (*model.Device, error)
	DeviceByMAC(ctx context.Context, mac string) (*model.Device, error)
	SaveDevice(ctx context.Context, d *model.Device) error
	ListDevices(ctx context.Context) ([]model.Device, error)
	RotateToken(ctx context.Context, deviceID, token string, at time.Time) error
	TouchHeartbeat(ctx context.Context, deviceID, token string, at time.Time) (bool, error)
	MarkOffline(ctx context.Context, deviceID string, staleBefore time.Time) (bool, error)
}

type Options struct {
	RegistrationSecret string
	ServerURL          string
	OfflineAfter       time.Duration
	Events             events.Publisher
	Now                func() time.Time
}

type Manager struct {
	store        Store
	secret       string
	serverURL    string
	offlineAfter time.Duration
	events       events.Publisher
	now          func() time.Time
}

func NewManager(store Store, opts Options) *Manager {
	m := &Manager{
		store:        store,
		secret:       opts.RegistrationSecret,
		serverURL:    opts.ServerURL,
		offlineAfter: opts.OfflineAfter,
		events:       opts.Events,
		now:          opts.Now,
	}
	if m.offlineAfter <= 0 {
		m.offlineAfter = DefaultOfflineAfter
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

type RegisterRequest struct {
	MACAddress      string
	DeviceType      string
	FirmwareVersion string
	ProvisionKey    string
}

type RegisterResult struct {
	DeviceID    string
	AccessToken string
	ServerURL   string
	// Rotated is true when a known MAC address re-registered.
	Rotated bool
}

func (m *Manager) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if subtle.ConstantTimeCompare([]byte(req.ProvisionKey), []byte(m.secret)) != 1 {
		return RegisterResult{}, ErrInvalidProvisionKey
	}
	req.MACAddress = strings.TrimSpace(req.MACAddress)
	if req.MACAddress == "" {
		return RegisterResult{}, ErrMissingMACAddress
	}
	now := m.now()

	existing, err := m.store.DeviceByMAC(ctx, req.MACAddress)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("lookup device: %w", err)
	}
	if existing != nil {
		existing.AccessToken = newAccessToken()
		existing.LastHeartbeat = now
		existing.Status = model.StatusOnline
		if err := m.store.RotateToken(ctx, existing.DeviceID, existing.AccessToken, now); err != nil {
			return RegisterResult{}, fmt.Errorf("rotate token: %w", err)
		}
		slog.Info("device re-registered", "device_id", existing.DeviceID, "mac", existing.MACAddress)
		m.publish(ctx, events.DeviceRegistered, existing)
		return RegisterResult{DeviceID: existing.DeviceID, AccessToken: existing.AccessToken, ServerURL: m.serverURL, Rotated: true}, nil
	}

	dev := &model.Device{
		DeviceID:        newDeviceID(),
		MACAddress:      req.MACAddress,
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
		AccessToken:     newAccessToken(),
		LastHeartbeat:   now,
		Status:          model.StatusOnline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.SaveDevice(ctx, dev); err != nil {
		return RegisterResult{}, fmt.Errorf("create device: %w", err)
	}
	slog.Info("device registered", "device_id", dev.DeviceID, "mac", dev.MACAddress, "type", dev.DeviceType)
	m.publish(ctx, events.DeviceRegistered, dev)
	return RegisterResult{DeviceID: dev.DeviceID, AccessToken: dev.AccessToken, ServerURL: m.serverURL}, nil
}

// Heartbeat marks the device online. An unknown device fails with an error
// matching both ErrInvalidToken and ErrDeviceNotFound.
func (m *Manager) Heartbeat(ctx context.Context, deviceID, token string) error {
	dev, err := m.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("lookup device: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrDeviceNotFound)
	}
	if !tokenMatches(dev.AccessToken, token) {
		return ErrInvalidToken
	}

	wasOffline := dev.Status != model.StatusOnline
	ok, err := m.store.TouchHeartbeat(ctx, dev.DeviceID, dev.AccessToken, m.now())
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if !ok {
		// rotated by a concurrent re-registration
		return ErrInvalidToken
	}
	dev.Status = model.StatusOnline
	if wasOffline {
		m.publish(ctx, events.DeviceOnline, dev)
	}
	return nil
}

// Status returns "online", "offline" or "not_found", persisting the
// online->offline transition when the heartbeat has gone stale.
func (m *Manager) Status(ctx context.Context, deviceID string) (string, error) {
	dev, err := m.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("lookup device: %w", err)
	}
	if dev == nil {
		return model.StatusNotFound, nil
	}
	now := m.now()
	if dev.Status != model.StatusOffline && Stale(now, dev.LastHeartbeat, m.offlineAfter) {
		changed, err := m.store.MarkOffline(ctx, dev.DeviceID, now.Add(-m.offlineAfter))
		if err != nil {
			return "", fmt.Errorf("mark offline: %w", err)
		}
		if !changed {
			// refreshed since it was read
			return m.currentStatus(ctx, dev.DeviceID)
		}
		dev.Status = model.StatusOffline
		slog.Info("device went offline", "device_id", dev.DeviceID, "last_heartbeat", dev.LastHeartbeat)
		m.publish(ctx, events.DeviceOffline, dev)
	}
	return dev.Status, nil
}

func (m *Manager) currentStatus(ctx context.Context, deviceID string) (string, error) {
	dev, err := m.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("lookup device: %w", err)
	}
	if dev == nil {
		return model.StatusNotFound, nil
	}
	return dev.Status, nil
}

// FirmwareVersion reports the firmware version recorded at registration.
func (m *Manager) FirmwareVersion(ctx context.Context, deviceID string) (string, bool, error) {
	dev, err := m.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return "", false, fmt.Errorf("lookup device: %w", err)
	}
	if dev == nil || dev.FirmwareVersion == "" {
		return "", false, nil
	}
	return dev.FirmwareVersion, true, nil
}

// SweepStatuses evaluates Status for every device and returns how many
// devices were flipped offline.
func (m *Manager) SweepStatuses(ctx context.Context) (int, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	flipped := 0
	for _, d := range devices {
		before := d.Status
		after, err := m.Status(ctx, d.DeviceID)
		if err != nil {
			return flipped, err
		}
		if before != model.StatusOffline && after == model.StatusOffline {
			flipped++
		}
	}
	return flipped, nil
}

// Stale reports whether more than window has passed since lastHeartbeat.
func Stale(now, lastHeartbeat time.Time, window time.Duration) bool {
	return now.Sub(lastHeartbeat) > window
}

func (m *Manager) publish(ctx context.Context, kind string, d *model.Device) {
	m.events.Publish(ctx, events.Event{Type: kind, DeviceID: d.DeviceID, Status: d.Status, At: m.now()})
}

func tokenMatches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	presented = strings.TrimPrefix(presented, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func newDeviceID() string {
	return "dev_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func newAccessToken() string {
	return "tok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
