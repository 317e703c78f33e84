package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GuestClaims represents the claims in a guest session token.
type GuestClaims struct {
	GuestID string `json:"guest_id"`
	jwt.RegisteredClaims
}

// guest tokens stay valid long enough to resume a play-through across
// reloads, but not indefinitely.
const guestTokenTTL = 7 * 24 * time.Hour

// GuestAuthority mints and validates guest tokens.
type GuestAuthority struct {
	secret []byte
}

// NewGuestAuthority creates an authority with an explicit signing secret.
func NewGuestAuthority(secret []byte) (*GuestAuthority, error) {
	if len(secret) == 0 {
		return nil, errors.New("guest token secret is required")
	}
	return &GuestAuthority{secret: secret}, nil
}

// NewGuestAuthorityFromEnv reads the signing secret from
// STORYPLAY_GUEST_SECRET.
func NewGuestAuthorityFromEnv() (*GuestAuthority, error) {
	return NewGuestAuthority([]byte(os.Getenv("STORYPLAY_GUEST_SECRET")))
}

// GenerateGuestToken generates a signed token for an anonymous guest.
func (a *GuestAuthority) GenerateGuestToken(guestID string) (string, error) {
	claims := &GuestClaims{
		GuestID: guestID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(guestTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateGuestToken validates a guest token and returns its claims.
func (a *GuestAuthority) ValidateGuestToken(tokenString string) (*GuestClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GuestClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*GuestClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// StoreScope derives the session-store key scope for a guest token, so two
// clients holding the same token resolve the same recorded session.
func (a *GuestAuthority) StoreScope(tokenString string) (string, error) {
	claims, err := a.ValidateGuestToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.GuestID == "" {
		return "", errors.New("guest token missing guest id")
	}
	return "guest:" + claims.GuestID, nil
}
