package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agrivet.store/internal/ids"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// Tolerated clock drift for iat in the future.
	issuedAtLeeway = 5 * time.Second
)

// Outcome is the result class of verifying an access token.
type Outcome int

const (
	TokenValid Outcome = iota
	TokenMissing
	TokenInvalid
	TokenExpired
)

func (o Outcome) String() string {
	switch o {
	case TokenValid:
		return "valid"
	case TokenMissing:
		return "missing"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Verification is returned by Service.Verify. Claims is set only when
// Outcome is TokenValid.
type Verification struct {
	Outcome Outcome
	Claims  Claims
}

// Err maps the outcome onto the package error taxonomy.
func (v Verification) Err() error {
	switch v.Outcome {
	case TokenValid:
		return nil
	case TokenMissing:
		return ErrMissingToken
	case TokenExpired:
		return ErrTokenExpired
	default:
		return ErrInvalidToken
	}
}

type tokenClaims struct {
	Role      string `json:"role,omitempty"`
	Branch    string `json:"branch,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// signer holds the key material for one signing algorithm.
type signer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
}

func newHMACSigner(secret string) (*signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	key := []byte(secret)
	return &signer{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key}, nil
}

func newRSASigner(privatePEM, publicPEM string) (*signer, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" || publicPEM == "" {
		return nil, errors.New("auth: both private and public keys are required")
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &signer{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub}, nil
}

func (s *signer) sign(claims tokenClaims) (string, error) {
	tok := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	return tok.SignedString(s.signKey)
}

func (s *Service) signAccess(ident *Identity, now time.Time) (string, Claims, error) {
	c := Claims{
		UserID:    ident.ID,
		Role:      ident.Role,
		BranchID:  ident.BranchID,
		TokenID:   ids.NewTokenID(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTTL),
	}
	raw, err := s.signer.sign(tokenClaims{
		Role:      string(c.Role),
		Branch:    c.BranchID,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			Issuer:    s.issuer,
			ID:        c.TokenID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	})
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return raw, c, nil
}

func (s *Service) signRefresh(userID string, now time.Time) (string, *RefreshToken, error) {
	rec := &RefreshToken{
		ID:        ids.NewTokenID(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	raw, err := s.signer.sign(tokenClaims{
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ID:        rec.ID,
			IssuedAt:  jwt.NewNumericDate(rec.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return raw, rec, nil
}

// parse checks the signature first and the time window second, so an
// authentic but stale token reports TokenExpired.
func (s *Service) parse(raw, wantType string) (*tokenClaims, Outcome) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, TokenMissing
	}
	claims := &tokenClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{s.signer.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !tok.Valid {
		return nil, TokenInvalid
	}
	if claims.TokenType != wantType || claims.Subject == "" || claims.ID == "" {
		return nil, TokenInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, TokenInvalid
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, TokenInvalid
	}
	now := s.now()
	if claims.IssuedAt.Time.After(now.Add(issuedAtLeeway)) {
		return nil, TokenInvalid
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return claims, TokenExpired
	}
	return claims, TokenValid
}

func (s *Service) keyFunc(tok *jwt.Token) (any, error) {
	if s.signer.keyID != "" {
		if kid, _ := tok.Header["kid"].(string); kid != "" && kid != s.signer.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}
	return s.signer.verifyKey, nil
}

// Verify classifies an access token. It never touches storage.
func (s *Service) Verify(raw string) Verification {
	claims, outcome := s.parse(raw, tokenTypeAccess)
	if outcome != TokenValid {
		return Verification{Outcome: outcome}
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Verification{Outcome: TokenInvalid}
	}
	return Verification{
		Outcome: TokenValid,
		Claims: Claims{
			UserID:    claims.Subject,
			Role:      role,
			BranchID:  claims.Branch,
			TokenID:   claims.ID,
			IssuedAt:  claims.IssuedAt.Time.UTC(),
			ExpiresAt: claims.ExpiresAt.Time.UTC(),
		},
	}
}

// Authenticate verifies raw and returns its claims or the matching error.
func (s *Service) Authenticate(raw string) (Claims, error) {
	v := s.Verify(raw)
	if err := v.Err(); err != nil {
		return Claims{}, err
	}
	return v.Claims, nil
}
