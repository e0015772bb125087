package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, of the wrong type or badly signed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is the ErrInvalidToken returned for a well-formed, correctly signed refresh
	// token that is past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Type         string `json:"typ"`
	SessionID    string `json:"sid"`
	ActiveRoleID string `json:"role_id,omitempty"`
}

// RefreshClaims holds JWT claims for the refresh token. The jti (RegisteredClaims.ID) is unique
// per issued token and the token is bound to one device.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Type      string `json:"typ"`
	SessionID string `json:"sid"`
	DeviceID  string `json:"device_id"`
}

// AccessIdentity is what an access token asserts.
type AccessIdentity struct {
	UserID       string
	SessionID    string
	ActiveRoleID string
}

// IssuedToken is a signed token with its id and expiry.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// TokenIssuer issues and verifies access and refresh JWTs using RS256 or ES256.
// It holds no session state.
type TokenIssuer struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	// expiredWindow is how long after expiry VerifyRefresh still returns a token's claims.
	expiredWindow time.Duration
	now           func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock sets the issuer's time source, used for both iat/exp and verification.
func WithClock(now func() time.Time) IssuerOption {
	return func(p *TokenIssuer) { p.now = now }
}

// WithExpiredWindow sets how long after expiry a refresh token's claims are still handed back
// alongside ErrTokenExpired. It defaults to the refresh TTL.
func WithExpiredWindow(d time.Duration) IssuerOption {
	return func(p *TokenIssuer) { p.expiredWindow = d }
}

// NewTokenIssuer returns a TokenIssuer signing with privateKey and verifying with publicKey.
func NewTokenIssuer(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration, opts ...IssuerOption) (*TokenIssuer, error) {
	var method jwt.SigningMethod
	switch KeyAlg(privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	p := &TokenIssuer{
		privateKey:    privateKey,
		publicKey:     publicKey,
		method:        method,
		issuer:        issuer,
		audience:      audience,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		expiredWindow: refreshTTL,
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// AccessTTL returns the access token lifetime.
func (p *TokenIssuer) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (p *TokenIssuer) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccess issues a short-lived access JWT for id.
func (p *TokenIssuer) IssueAccess(id AccessIdentity) (IssuedToken, error) {
	if id.UserID == "" || id.SessionID == "" {
		return IssuedToken{}, ErrInvalidToken
	}
	jti, err := generateJTI()
	if err != nil {
		return IssuedToken{}, err
	}
	now := p.now().UTC()
	expiresAt := now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: p.registered(jti, id.UserID, now, expiresAt),
		Type:             tokenTypeAccess,
		SessionID:        id.SessionID,
		ActiveRoleID:     id.ActiveRoleID,
	}
	token, err := jwt.NewWithClaims(p.method, claims).SignedString(p.privateKey)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: token, JTI: jti, ExpiresAt: expiresAt}, nil
}

// IssueRefresh issues a long-lived refresh JWT bound to sessionID and deviceID.
func (p *TokenIssuer) IssueRefresh(userID, sessionID, deviceID string) (IssuedToken, error) {
	if userID == "" || sessionID == "" || deviceID == "" {
		return IssuedToken{}, ErrInvalidToken
	}
	jti, err := generateJTI()
	if err != nil {
		return IssuedToken{}, err
	}
	now := p.now().UTC()
	expiresAt := now.Add(p.refreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: p.registered(jti, userID, now, expiresAt),
		Type:             tokenTypeRefresh,
		SessionID:        sessionID,
		DeviceID:         deviceID,
	}
	token, err := jwt.NewWithClaims(p.method, claims).SignedString(p.privateKey)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: token, JTI: jti, ExpiresAt: expiresAt}, nil
}

// VerifyRefresh validates signature, expiry, issuer and audience, and requires typ "refresh"
// with subject, session, device and jti present.
//
// A token that fails only because it expired within the expired window yields its claims
// together with ErrTokenExpired, so the caller can retire the session it names. Such claims
// must not be used to grant anything.
func (p *TokenIssuer) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	err := p.parse(tokenString, claims)
	if errors.Is(err, errExpired) && p.expiredWindow > 0 {
		claims = &RefreshClaims{}
		if p.parse(tokenString, claims, jwt.WithLeeway(p.expiredWindow)) != nil || !validRefresh(claims) {
			return nil, ErrInvalidToken
		}
		return claims, ErrTokenExpired
	}
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !validRefresh(claims) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func validRefresh(claims *RefreshClaims) bool {
	if claims.Type != tokenTypeRefresh || claims.Subject == "" || claims.ID == "" || claims.DeviceID == "" {
		return false
	}
	_, err := uuid.Parse(claims.SessionID)
	return err == nil
}

// VerifyAccess validates an access token the same way and requires typ "access".
func (p *TokenIssuer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// errExpired marks a parse failure whose reasons include expiry.
var errExpired = errors.New("token expired")

func (p *TokenIssuer) parse(tokenString string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}, extra...)
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return errExpired
	}
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (p *TokenIssuer) registered(jti, subject string, now, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   subject,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
