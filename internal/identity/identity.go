// Package identity resolves inbound requests to either an authenticated
// account or an anonymous fingerprint. The access engine treats this as
// an opaque lookup.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/careerforge/accessgate/internal/models"
)

// ErrUnauthenticated indicates a missing, malformed, or unknown credential.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Principal is the resolved caller identity.
type Principal struct {
	AccountID      string
	Tier           models.AccountTier
	CreatedAt      time.Time
	LimitOverrides map[string]int64
	Authenticated  bool
}

// Resolver turns a bearer token into a Principal.
type Resolver interface {
	Resolve(ctx context.Context, bearerToken string) (Principal, error)
}

// GormResolver verifies HS256 bearer tokens and loads the account row
// behind the subject claim.
type GormResolver struct {
	db     *gorm.DB
	secret []byte
}

// NewGormResolver constructs a GormResolver.
func NewGormResolver(db *gorm.DB, secret string) *GormResolver {
	return &GormResolver{db: db, secret: []byte(secret)}
}

// Resolve validates the token and returns the caller's account identity.
// An empty token resolves to an anonymous principal without error.
func (r *GormResolver) Resolve(ctx context.Context, bearerToken string) (Principal, error) {
	if r == nil || r.db == nil {
		return Principal{}, fmt.Errorf("identity: resolver not initialized")
	}
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return Principal{}, nil
	}

	subject, errSubject := r.subjectFromToken(bearerToken)
	if errSubject != nil {
		return Principal{}, errSubject
	}

	var account models.Account
	errFind := r.db.WithContext(ctx).Where("id = ? AND active = ?", subject, true).First(&account).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Principal{}, fmt.Errorf("%w: unknown account %q", ErrUnauthenticated, subject)
	}
	if errFind != nil {
		return Principal{}, fmt.Errorf("identity: load account: %w", errFind)
	}

	tier := account.Tier
	if !tier.Valid() {
		tier = models.TierTrial
	}
	return Principal{
		AccountID:      account.ID,
		Tier:           tier,
		CreatedAt:      account.CreatedAt,
		LimitOverrides: parseOverrides(account.FeatureOverrides),
		Authenticated:  true,
	}, nil
}

func (r *GormResolver) subjectFromToken(bearerToken string) (string, error) {
	token, errParse := jwt.ParseWithClaims(bearerToken, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if errParse != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, errParse)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: token without subject", ErrUnauthenticated)
	}
	return strings.TrimSpace(claims.Subject), nil
}

// parseOverrides reads the account's JSON override column. A malformed
// column is ignored rather than blocking the account.
func parseOverrides(raw []byte) map[string]int64 {
	if len(raw) == 0 {
		return nil
	}
	overrides := make(map[string]int64)
	if errUnmarshal := json.Unmarshal(raw, &overrides); errUnmarshal != nil {
		return nil
	}
	for feature, limit := range overrides {
		if limit <= 0 {
			delete(overrides, feature)
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}
