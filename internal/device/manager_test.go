package device

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nekota/device-manager/internal/events"
	"github.com/nekota/device-manager/internal/model"
	"github.com/nekota/device-manager/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "VALID_PROVISION_KEY"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, ev := range r.got {
		out[i] = ev.Type
	}
	return out
}

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:device_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func newTestManager(t *testing.T) (*Manager, *store.Repo, *fakeClock, *eventRecorder) {
	t.Helper()
	repo := newTestRepo(t)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	rec := &eventRecorder{}
	m := NewManager(repo, Options{
		RegistrationSecret: testSecret,
		ServerURL:          "wss://devices.example/ws",
		Events:             rec,
		Now:                clock.Now,
	})
	return m, repo, clock, rec
}

func register(t *testing.T, m *Manager, mac string) RegisterResult {
	t.Helper()
	res, err := m.Register(context.Background(), RegisterRequest{
		MACAddress:      mac,
		DeviceType:      "ESP32",
		FirmwareVersion: "1.0.0",
		ProvisionKey:    testSecret,
	})
	if err != nil {
		t.Fatalf("register %s: %v", mac, err)
	}
	return res
}

func TestRegisterAssignsIdentity(t *testing.T) {
	m, repo, _, rec := newTestManager(t)

	res := register(t, m, "AA:BB:CC:00:11:22")
	if !regexp.MustCompile(`^dev_[0-9a-f]{8}$`).MatchString(res.DeviceID) {
		t.Fatalf("unexpected device id format: %q", res.DeviceID)
	}
	if !strings.HasPrefix(res.AccessToken, "tok_") {
		t.Fatalf("unexpected token format: %q", res.AccessToken)
	}
	if res.ServerURL != "wss://devices.example/ws" {
		t.Fatalf("unexpected server url: %q", res.ServerURL)
	}
	if res.Rotated {
		t.Fatalf("first registration must not be a rotation")
	}

	dev, err := repo.DeviceByID(context.Background(), res.DeviceID)
	if err != nil || dev == nil {
		t.Fatalf("device not persisted: %v %v", dev, err)
	}
	if dev.Status != model.StatusOnline || dev.FirmwareVersion != "1.0.0" {
		t.Fatalf("unexpected stored device: %+v", dev)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.DeviceRegistered {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestRegisterRejectsWrongProvisionKey(t *testing.T) {
	m, repo, _, _ := newTestManager(t)

	_, err := m.Register(context.Background(), RegisterRequest{MACAddress: "mac", ProvisionKey: "nope"})
	if !errors.Is(err, ErrInvalidProvisionKey) {
		t.Fatalf("expected ErrInvalidProvisionKey, got %v", err)
	}
	all, _ := repo.ListDevices(context.Background())
	if len(all) != 0 {
		t.Fatalf("rejected registration must not persist anything")
	}
}

func TestRegisterRequiresMACAfterKeyCheck(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Register(ctx, RegisterRequest{MACAddress: "  ", ProvisionKey: "nope"}); !errors.Is(err, ErrInvalidProvisionKey) {
		t.Fatalf("wrong key without mac: %v", err)
	}
	if _, err := m.Register(ctx, RegisterRequest{MACAddress: "  ", ProvisionKey: testSecret}); !errors.Is(err, ErrMissingMACAddress) {
		t.Fatalf("right key without mac: %v", err)
	}
}

func TestReRegistrationRotatesToken(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first := register(t, m, "AA:BB:CC:00:11:22")
	second := register(t, m, "AA:BB:CC:00:11:22")

	if first.DeviceID != second.DeviceID {
		t.Fatalf("device id changed: %q -> %q", first.DeviceID, second.DeviceID)
	}
	if first.AccessToken == second.AccessToken {
		t.Fatalf("token was not rotated")
	}
	if !second.Rotated {
		t.Fatalf("expected Rotated=true")
	}

	if err := m.Heartbeat(ctx, first.DeviceID, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token must fail, got %v", err)
	}
	if err := m.Heartbeat(ctx, second.DeviceID, second.AccessToken); err != nil {
		t.Fatalf("new token must work: %v", err)
	}
}

func TestHeartbeatTokenValidation(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	res := register(t, m, "mac-1")

	if err := m.Heartbeat(ctx, res.DeviceID, "Bearer "+res.AccessToken); err != nil {
		t.Fatalf("bearer prefixed token must be accepted: %v", err)
	}
	if err := m.Heartbeat(ctx, res.DeviceID, "tok_wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := m.Heartbeat(ctx, res.DeviceID, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}

	err := m.Heartbeat(ctx, "dev_unknown", res.AccessToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown device must fail as invalid token, got %v", err)
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device must also match ErrDeviceNotFound, got %v", err)
	}
}

func TestStatusGoesOfflineLazily(t *testing.T) {
	m, repo, clock, rec := newTestManager(t)
	ctx := context.Background()
	res := register(t, m, "mac-1")

	status, err := m.Status(ctx, res.DeviceID)
	if err != nil || status != model.StatusOnline {
		t.Fatalf("fresh device: %q %v", status, err)
	}

	clock.Advance(5 * time.Minute)
	if status, _ := m.Status(ctx, res.DeviceID); status != model.StatusOnline {
		t.Fatalf("exactly at the window the device is still online, got %q", status)
	}

	clock.Advance(time.Second)
	status, err = m.Status(ctx, res.DeviceID)
	if err != nil || status != model.StatusOffline {
		t.Fatalf("stale device: %q %v", status, err)
	}
	dev, _ := repo.DeviceByID(ctx, res.DeviceID)
	if dev.Status != model.StatusOffline {
		t.Fatalf("offline transition not persisted: %q", dev.Status)
	}
	if status, _ := m.Status(ctx, res.DeviceID); status != model.StatusOffline {
		t.Fatalf("second read: %q", status)
	}

	if err := m.Heartbeat(ctx, res.DeviceID, res.AccessToken); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if status, _ := m.Status(ctx, res.DeviceID); status != model.StatusOnline {
		t.Fatalf("heartbeat must bring device online, got %q", status)
	}

	want := []string{events.DeviceRegistered, events.DeviceOffline, events.DeviceOnline}
	got := rec.types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events: got %v want %v", got, want)
	}
}

func TestStatusNotFound(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	status, err := m.Status(context.Background(), "dev_nothere")
	if err != nil || status != model.StatusNotFound {
		t.Fatalf("got %q %v", status, err)
	}
}

func TestFirmwareVersion(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	res := register(t, m, "mac-1")

	v, ok, err := m.FirmwareVersion(ctx, res.DeviceID)
	if err != nil || !ok || v != "1.0.0" {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := m.FirmwareVersion(ctx, "dev_none"); err != nil || ok {
		t.Fatalf("unknown device: ok=%v err=%v", ok, err)
	}
}

func TestSweepStatuses(t *testing.T) {
	m, _, clock, _ := newTestManager(t)
	ctx := context.Background()
	a := register(t, m, "mac-a")
	register(t, m, "mac-b")

	clock.Advance(10 * time.Minute)
	if err := m.Heartbeat(ctx, a.DeviceID, a.AccessToken); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	n, err := m.SweepStatuses(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 device flipped offline, got %d", n)
	}
	if n, _ := m.SweepStatuses(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
}

type failingStore struct{}

var errBoom = errors.New("connection refused")

func (failingStore) DeviceByID(context.Context, string) (*model.Device, error) {
	return nil, errors.Join(store.ErrUnavailable, errBoom)
}
func (failingStore) DeviceByMAC(context.Context, string) (*model.Device, error) {
	return nil, errors.Join(store.ErrUnavailable, errBoom)
}
func (failingStore) SaveDevice(context.Context, *model.Device) error { return store.ErrUnavailable }
func (failingStore) ListDevices(context.Context) ([]model.Device, error) {
	return nil, store.ErrUnavailable
}
func (failingStore) RotateToken(context.Context, string, string, time.Time) error {
	return store.ErrUnavailable
}
func (failingStore) TouchHeartbeat(context.Context, string, string, time.Time) (bool, error) {
	return false, store.ErrUnavailable
}
func (failingStore) MarkOffline(context.Context, string, time.Time) (bool, error) {
	return false, store.ErrUnavailable
}

// racingStore runs afterLookup once, right after the first DeviceByID
// returns, to interleave a write between a read and the write that follows.
type racingStore struct {
	*store.Repo
	once        sync.Once
	afterLookup func()
}

func (s *racingStore) DeviceByID(ctx context.Context, deviceID string) (*model.Device, error) {
	dev, err := s.Repo.DeviceByID(ctx, deviceID)
	if s.afterLookup != nil {
		s.once.Do(s.afterLookup)
	}
	return dev, err
}

func newRacingManager(t *testing.T) (*Manager, *racingStore, *fakeClock) {
	t.Helper()
	rs := &racingStore{Repo: newTestRepo(t)}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(rs, Options{RegistrationSecret: testSecret, Now: clock.Now})
	return m, rs, clock
}

func TestStatusDoesNotRestoreRotatedToken(t *testing.T) {
	m, rs, clock := newRacingManager(t)
	ctx := context.Background()
	first := register(t, m, "AA:BB:CC:00:11:22")

	clock.Advance(6 * time.Minute)
	var second RegisterResult
	rs.afterLookup = func() { second = register(t, m, "AA:BB:CC:00:11:22") }

	status, err := m.Status(ctx, first.DeviceID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if second.AccessToken == "" || second.AccessToken == first.AccessToken {
		t.Fatalf("re-registration did not run during Status")
	}
	if status != model.StatusOnline {
		t.Fatalf("device re-registered mid-read must report online, got %q", status)
	}

	dev, _ := rs.Repo.DeviceByID(ctx, first.DeviceID)
	if dev.AccessToken != second.AccessToken {
		t.Fatalf("stored token reverted to %q, want %q", dev.AccessToken, second.AccessToken)
	}
	if err := m.Heartbeat(ctx, first.DeviceID, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token must fail, got %v", err)
	}
	if err := m.Heartbeat(ctx, second.DeviceID, second.AccessToken); err != nil {
		t.Fatalf("new token must work: %v", err)
	}
}

func TestHeartbeatDoesNotRestoreRotatedToken(t *testing.T) {
	m, rs, _ := newRacingManager(t)
	ctx := context.Background()
	first := register(t, m, "AA:BB:CC:00:11:22")

	var second RegisterResult
	rs.afterLookup = func() { second = register(t, m, "AA:BB:CC:00:11:22") }

	if err := m.Heartbeat(ctx, first.DeviceID, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("heartbeat with a token rotated mid-request must fail, got %v", err)
	}
	dev, _ := rs.Repo.DeviceByID(ctx, first.DeviceID)
	if dev.AccessToken != second.AccessToken {
		t.Fatalf("stored token reverted to %q, want %q", dev.AccessToken, second.AccessToken)
	}
	if err := m.Heartbeat(ctx, first.DeviceID, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token must stay invalid, got %v", err)
	}
	if err := m.Heartbeat(ctx, second.DeviceID, second.AccessToken); err != nil {
		t.Fatalf("new token must work: %v", err)
	}
}

func TestStoreFailuresPropagate(t *testing.T) {
	m := NewManager(failingStore{}, Options{RegistrationSecret: testSecret})
	ctx := context.Background()

	if _, err := m.Register(ctx, RegisterRequest{MACAddress: "m", ProvisionKey: testSecret}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("register: %v", err)
	}
	if err := m.Heartbeat(ctx, "dev_1", "tok"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := m.Status(ctx, "dev_1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("status: %v", err)
	}
}

func TestStale(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"fresh", base.Add(time.Minute), false},
		{"boundary", base.Add(5 * time.Minute), false},
		{"past window", base.Add(5*time.Minute + time.Nanosecond), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Stale(tc.now, base, DefaultOfflineAfter); got != tc.want {
				t.Fatalf("Stale=%v want %v", got, tc.want)
			}
		})
	}
	if !Stale(base, time.Time{}, DefaultOfflineAfter) {
		t.Fatalf("a device that never sent a heartbeat is stale")
	}
}
