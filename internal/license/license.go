// Package license resolves the edition descriptor that gates premium
// features across the whole service. The descriptor is resolved once at
// startup and treated as immutable for the process lifetime; an invalid or
// missing license key degrades to the Community defaults.
package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"n8nadmin/internal/types"
)

// Feature keys understood by the service.
const (
	FeatureAlertWorkflowError = "alert.workflow_error"
	FeatureAlertInvalidAPIKey = "alert.invalid_api_key"
	FeatureScheduledBackups   = "backup.scheduled"
)

const (
	EditionCommunity = "Community Edition"
	EditionPremium   = "Premium Edition"
	EditionHostedOps = "Hosted Ops"
)

// MaxInstancesUnlimited is the sentinel for "no quota".
const MaxInstancesUnlimited = -1

const communityMaxInstances = 3

// issuerPublicKey verifies license keys issued for this product. Override
// with LICENSE_PUBLIC_KEY (base64 raw ed25519) for self-issued test keys.
const issuerPublicKey = "9bE3Zy9sUPDjFXgmCZl0p0QzvFj2z8DaxmbS3V7JU3s="

type claims struct {
	Edition      string          `json:"edition"`
	MaxInstances int             `json:"maxInstances"`
	Features     map[string]bool `json:"features"`
	jwt.RegisteredClaims
}

// Resolver answers every "is this feature available" question in the
// service. Immutable after New.
type Resolver struct {
	edition      string
	maxInstances int
	features     map[string]bool
}

// New parses and verifies the signed license key. An empty or invalid key
// yields the Community resolver; the failure is logged, never fatal.
func New(licenseKey string, logger *slog.Logger) *Resolver {
	if licenseKey == "" {
		return community()
	}

	key, err := verificationKey()
	if err != nil {
		logger.Error("license public key unusable, running community", "err", err)
		return community()
	}

	parsed := &claims{}
	_, err = jwt.ParseWithClaims(licenseKey, parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		logger.Error("license key invalid, running community", "err", err)
		return community()
	}

	features := parsed.Features
	if features == nil {
		features = map[string]bool{}
	}

	logger.Info("license resolved", "edition", parsed.Edition, "maxInstances", parsed.MaxInstances)
	return &Resolver{
		edition:      parsed.Edition,
		maxInstances: parsed.MaxInstances,
		features:     features,
	}
}

// NewStatic builds a resolver from explicit values, bypassing key
// verification. For wiring tests and local development overrides.
func NewStatic(edition string, maxInstances int, features map[string]bool) *Resolver {
	if features == nil {
		features = map[string]bool{}
	}
	return &Resolver{edition: edition, maxInstances: maxInstances, features: features}
}

func community() *Resolver {
	return &Resolver{
		edition:      EditionCommunity,
		maxInstances: communityMaxInstances,
		features:     map[string]bool{},
	}
}

func verificationKey() (ed25519.PublicKey, error) {
	encoded := os.Getenv("LICENSE_PUBLIC_KEY")
	if encoded == "" {
		encoded = issuerPublicKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func (r *Resolver) Edition() string { return r.edition }

// MaxInstances returns the instance quota, MaxInstancesUnlimited for none.
func (r *Resolver) MaxInstances() int { return r.maxInstances }

// IsPremium reports whether the edition is one of the paid tiers.
func (r *Resolver) IsPremium() bool {
	return r.edition == EditionPremium || r.edition == EditionHostedOps
}

// IsFeatureEnabled reports the flag for key, false when absent.
func (r *Resolver) IsFeatureEnabled(key string) bool {
	return r.features[key]
}

// Info renders the descriptor served on GET /license.
func (r *Resolver) Info() types.LicenseInfo {
	features := map[string]bool{
		FeatureAlertWorkflowError: r.IsFeatureEnabled(FeatureAlertWorkflowError),
		FeatureAlertInvalidAPIKey: r.IsFeatureEnabled(FeatureAlertInvalidAPIKey),
		FeatureScheduledBackups:   r.IsFeatureEnabled(FeatureScheduledBackups),
	}
	return types.LicenseInfo{
		Edition:      r.edition,
		MaxInstances: r.maxInstances,
		Features:     features,
	}
}

// CanAddInstance reports whether another instance fits the quota.
func (r *Resolver) CanAddInstance(currentCount int) bool {
	return r.maxInstances == MaxInstancesUnlimited || currentCount < r.maxInstances
}

// RemainingInstances returns how many more instances may be registered,
// MaxInstancesUnlimited when the quota is unlimited.
func (r *Resolver) RemainingInstances(currentCount int) int {
	if r.maxInstances == MaxInstancesUnlimited {
		return MaxInstancesUnlimited
	}
	remaining := r.maxInstances - currentCount
	if remaining < 0 {
		return 0
	}
	return remaining
}
