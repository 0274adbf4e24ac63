package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/careerforge/accessgate/internal/db"
	"github.com/careerforge/accessgate/internal/models"
)

const testSecret = "test-secret"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate test db: %v", errMigrate)
	}
	return conn
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, errSign := token.SignedString([]byte(testSecret))
	if errSign != nil {
		t.Fatalf("sign token: %v", errSign)
	}
	return signed
}

func TestResolveAnonymous(t *testing.T) {
	resolver := NewGormResolver(openTestDB(t), testSecret)

	principal, errResolve := resolver.Resolve(context.Background(), "")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if principal.Authenticated {
		t.Fatalf("expected anonymous principal, got %+v", principal)
	}
}

func TestResolveAccount(t *testing.T) {
	conn := openTestDB(t)
	account := models.Account{
		ID:               "acct-1",
		Email:            "user@example.com",
		Tier:             models.TierTrial,
		Active:           true,
		FeatureOverrides: datatypes.JSON([]byte(`{"interview_prep": 10, "bogus": -1}`)),
	}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	resolver := NewGormResolver(conn, testSecret)
	principal, errResolve := resolver.Resolve(context.Background(), signToken(t, "acct-1"))
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if !principal.Authenticated || principal.AccountID != "acct-1" {
		t.Fatalf("expected authenticated acct-1, got %+v", principal)
	}
	if principal.Tier != models.TierTrial {
		t.Fatalf("expected trial tier, got %q", principal.Tier)
	}
	if principal.LimitOverrides["interview_prep"] != 10 {
		t.Fatalf("expected override 10, got %+v", principal.LimitOverrides)
	}
	if _, ok := principal.LimitOverrides["bogus"]; ok {
		t.Fatalf("expected non-positive override dropped, got %+v", principal.LimitOverrides)
	}
}

func TestResolveUnknownAccount(t *testing.T) {
	resolver := NewGormResolver(openTestDB(t), testSecret)

	_, errResolve := resolver.Resolve(context.Background(), signToken(t, "no-such-account"))
	if !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", errResolve)
	}
}

func TestResolveInactiveAccount(t *testing.T) {
	conn := openTestDB(t)
	account := models.Account{ID: "acct-1", Tier: models.TierUnlimited, Active: true}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	if errUpdate := conn.Model(&account).Update("active", false).Error; errUpdate != nil {
		t.Fatalf("disable account: %v", errUpdate)
	}

	resolver := NewGormResolver(conn, testSecret)
	if _, errResolve := resolver.Resolve(context.Background(), signToken(t, "acct-1")); !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for inactive account, got %v", errResolve)
	}
}

func TestResolveRejectsBadSignature(t *testing.T) {
	resolver := NewGormResolver(openTestDB(t), testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "acct-1"})
	signed, errSign := token.SignedString([]byte("wrong-secret"))
	if errSign != nil {
		t.Fatalf("sign token: %v", errSign)
	}
	if _, errResolve := resolver.Resolve(context.Background(), signed); !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", errResolve)
	}
}

func TestResolveRejectsMissingSubject(t *testing.T) {
	resolver := NewGormResolver(openTestDB(t), testSecret)

	if _, errResolve := resolver.Resolve(context.Background(), signToken(t, "")); !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", errResolve)
	}
}
