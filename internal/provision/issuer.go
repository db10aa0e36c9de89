package provision

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nekota/device-manager/internal/store"
)

const (
	TokenTTL  = time.Hour
	JWTTTL    = 24 * time.Hour
	JWTIssuer = "nekota-provision"
)

var (
	ErrUnauthorized    = errors.New("invalid provision admin key")
	ErrMissingDeviceID = errors.New("device_id is required")
	ErrJWTDisabled     = errors.New("server not configured for jwt issuance")
)

// TokenCache receives issued tokens. Writes are best effort.
type TokenCache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type Options struct {
	// AdminKey gates issuance when non-empty. Empty means open provisioning.
	AdminKey  string
	JWTSecret string
	Now       func() time.Time

	// CacheTimeout bounds the cache write; store.DefaultCallTimeout when zero.
	CacheTimeout time.Duration
}

type Issuer struct {
	cache        TokenCache
	cacheTimeout time.Duration
	adminKey     string
	jwtSecret    []byte
	now          func() time.Time
}

func NewIssuer(cache TokenCache, opts Options) *Issuer {
	i := &Issuer{cache: cache, cacheTimeout: opts.CacheTimeout, adminKey: opts.AdminKey, now: opts.Now}
	if opts.JWTSecret != "" {
		i.jwtSecret = []byte(opts.JWTSecret)
	}
	if i.cacheTimeout <= 0 {
		i.cacheTimeout = store.DefaultCallTimeout
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

// Issue returns a new opaque token for deviceID and caches it for TokenTTL.
// A failed cache write does not fail the call.
func (i *Issuer) Issue(ctx context.Context, adminKey, deviceID string) (string, error) {
	deviceID, err := i.authorize(adminKey, deviceID)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if i.cache != nil {
		_, err := store.Bounded(ctx, i.cacheTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, i.cache.Set(ctx, store.ProvisionKey(deviceID), token, TokenTTL)
		})
		if err != nil {
			slog.Warn("provision token cache write failed", "device_id", deviceID, "error", err)
		}
	}
	slog.Info("provision token issued", "device_id", deviceID)
	return token, nil
}

// IssueJWT signs an HS256 token with subject deviceID, valid for JWTTTL.
func (i *Issuer) IssueJWT(adminKey, deviceID string) (string, error) {
	deviceID, err := i.authorize(adminKey, deviceID)
	if err != nil {
		return "", err
	}
	if len(i.jwtSecret) == 0 {
		return "", ErrJWTDisabled
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    JWTIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(JWTTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (i *Issuer) authorize(adminKey, deviceID string) (string, error) {
	if i.adminKey != "" && subtle.ConstantTimeCompare([]byte(adminKey), []byte(i.adminKey)) != 1 {
		return "", ErrUnauthorized
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", ErrMissingDeviceID
	}
	return deviceID, nil
}
