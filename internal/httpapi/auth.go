package httpapi

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"evrpos/internal/domain"
	"evrpos/internal/xid"
)

var ErrInvalidTicket = errors.New("invalid or expired correction ticket")

// AuthManager guards corrections. Staging a correction returns a short-lived
// signed ticket; confirming requires that ticket plus the admin secret.
type AuthManager struct {
	secret      []byte
	ticketTTL   time.Duration
	adminSecret string
	now         func() time.Time
}

type ticketClaims struct {
	jwtlib.RegisteredClaims
	Action    domain.CorrectionAction `json:"action"`
	InvoiceID string                  `json:"invoice_id,omitempty"`
}

func NewAuthManager(secret string, ticketTTL time.Duration, adminSecret string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if ticketTTL <= 0 {
		ticketTTL = 10 * time.Minute
	}
	adminSecret = strings.TrimSpace(adminSecret)
	if adminSecret != "" && !isPasswordHash(adminSecret) {
		if hashed, err := hashPassword(adminSecret); err == nil {
			adminSecret = hashed
		}
	}

	return &AuthManager{
		secret:      []byte(secret),
		ticketTTL:   ticketTTL,
		adminSecret: adminSecret,
		now:         time.Now,
	}
}

// Verify reports whether input matches the admin secret. An unset secret never matches.
func (a *AuthManager) Verify(input string) bool {
	if a.adminSecret == "" || strings.TrimSpace(input) == "" {
		return false
	}
	if isPasswordHash(a.adminSecret) {
		return verifyPassword(a.adminSecret, input)
	}
	return subtle.ConstantTimeCompare([]byte(a.adminSecret), []byte(input)) == 1
}

func (a *AuthManager) IssueTicket(pending domain.PendingCorrection) (string, time.Time, error) {
	issuedAt := a.now().UTC()
	expiresAt := issuedAt.Add(a.ticketTTL)
	claims := ticketClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        pending.ID,
			Subject:   pending.StagedBy,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "evrpos",
		},
		Action:    pending.Action,
		InvoiceID: pending.InvoiceID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseTicket returns the staged correction id carried by a ticket.
func (a *AuthManager) ParseTicket(tokenStr string) (string, error) {
	claims := &ticketClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidTicket
	}
	if !xid.Valid("corr", claims.ID) {
		return "", ErrInvalidTicket
	}
	return claims.ID, nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
