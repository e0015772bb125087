// Package identity exchanges authorization codes for verified identities and persists users and roles.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"session-security-engine/backend/internal/identity/domain"
)

// ErrInvalidCredential is returned when the provider rejects the code or vouches for no usable email.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier exchanges an opaque authorization code for a verified identity.
type Verifier interface {
	Verify(ctx context.Context, code string) (*domain.VerifiedIdentity, error)
}

// CodeExchangeConfig holds the OAuth client registration used for the exchange.
type CodeExchangeConfig struct {
	TokenURL     string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration
}

// CodeExchangeVerifier performs the authorization-code grant and then reads the userinfo endpoint.
type CodeExchangeVerifier struct {
	cfg    CodeExchangeConfig
	client *http.Client
}

// NewCodeExchangeVerifier returns a verifier for cfg. A zero timeout defaults to 10s.
func NewCodeExchangeVerifier(cfg CodeExchangeConfig) *CodeExchangeVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CodeExchangeVerifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userInfoResponse struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Verify implements Verifier. Every failure, including transport errors, wraps ErrInvalidCredential.
func (v *CodeExchangeVerifier) Verify(ctx context.Context, code string) (*domain.VerifiedIdentity, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCredential
	}
	accessToken, err := v.exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange: %v", ErrInvalidCredential, err)
	}
	info, err := v.userInfo(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", ErrInvalidCredential, err)
	}
	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" {
		return nil, fmt.Errorf("%w: no email", ErrInvalidCredential)
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified", ErrInvalidCredential)
	}
	return &domain.VerifiedIdentity{
		Email:   email,
		Name:    strings.TrimSpace(info.Name),
		Picture: strings.TrimSpace(info.Picture),
	}, nil
}

func (v *CodeExchangeVerifier) exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {v.cfg.ClientID},
		"client_secret": {v.cfg.ClientSecret},
		"redirect_uri":  {v.cfg.RedirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("no access token")
	}
	return body.AccessToken, nil
}

func (v *CodeExchangeVerifier) userInfo(ctx context.Context, accessToken string) (*userInfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &body, nil
}
