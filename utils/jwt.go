package utils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cppla/livedrop/models"
)

const (
	// TokenIssuer and TokenSubject scope a signature to share access; tokens
	// minted for anything else are rejected even with a valid signature.
	TokenIssuer  = "livedrop"
	TokenSubject = "share-access"

	DefaultTokenTTL = time.Hour
	signingKeySize  = 32
)

var (
	ErrTokenExpired = fmt.Errorf("%w: token expired", models.ErrInvalidCredential)
	ErrTokenInvalid = fmt.Errorf("%w: token invalid", models.ErrInvalidCredential)
	// ErrTokenMismatch means the signature was fine but the code now belongs to
	// a different object, or the object is gone.
	ErrTokenMismatch = fmt.Errorf("%w: token does not match a live object", models.ErrInvalidCredential)
)

var tokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

// ShareClaims is the signed payload of an access token.
type ShareClaims struct {
	models.ShareInfo
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokenService builds a TokenService. A nil now uses time.Now; ttl <= 0
// falls back to DefaultTokenTTL.
func NewTokenService(secret []byte, ttl time.Duration, now func() time.Time) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		secret: secret,
		ttl:    ttl,
		now:    now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithSubject(TokenSubject),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithStrictDecoding(),
			jwt.WithTimeFunc(now),
		),
	}
}

// TTL returns the expiry horizon applied to issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs info into a compact token valid for the configured TTL.
func (s *TokenService) Issue(info models.ShareInfo) (string, error) {
	now := s.now()
	claims := ShareClaims{
		ShareInfo: info,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   TokenSubject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer, subject and expiry and returns
// the embedded share info. It does not consult the registry: the caller must
// still resolve info.Code and compare object ids.
func (s *TokenService) Verify(tokenStr string) (models.ShareInfo, error) {
	if !LooksLikeToken(tokenStr) {
		return models.ShareInfo{}, ErrTokenInvalid
	}
	claims := &ShareClaims{}
	parsed, err := s.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.ShareInfo{}, ErrTokenExpired
		}
		return models.ShareInfo{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Code == "" || claims.ObjectID == "" {
		return models.ShareInfo{}, ErrTokenInvalid
	}
	return claims.ShareInfo, nil
}

// LooksLikeToken is a cheap structural check: three dot-separated URL-safe
// base64 segments. It says nothing about validity.
func LooksLikeToken(s string) bool {
	return tokenShape.MatchString(s)
}

// ResolveSigningKey returns the configured key, or a random key that lives
// only as long as the process when none is configured. Tokens signed with a
// generated key stop verifying after a restart.
func ResolveSigningKey(configured string) (key []byte, generated bool, err error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	key = make([]byte, signingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}
