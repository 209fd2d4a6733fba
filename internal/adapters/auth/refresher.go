package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const (
	defaultRequestTimeout = 30 * time.Second
	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

var ErrInvalidGrant = errors.New("refresh token rejected")

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// OAuthRefresher exchanges a credential's refresh token for an access token.
type OAuthRefresher struct {
	Config         OAuthConfig
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Clock          ports.Clock
	Logger         *zap.Logger
}

var _ ports.TokenRefresher = OAuthRefresher{}

func (r OAuthRefresher) Refresh(ctx context.Context, credential domain.Credential) (domain.AccessToken, error) {
	if strings.TrimSpace(credential.RefreshToken) == "" {
		return domain.AccessToken{}, errors.New("refresh token is required")
	}
	config, err := r.oauthConfig()
	if err != nil {
		return domain.AccessToken{}, err
	}

	requestCtx, cancel := r.requestContext(ctx)
	defer cancel()
	requestCtx = context.WithValue(requestCtx, oauth2.HTTPClient, r.httpClient())

	token, err := config.TokenSource(requestCtx, &oauth2.Token{RefreshToken: credential.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return domain.AccessToken{}, fmt.Errorf("refresh %s: %w: %s", credential.Email, ErrInvalidGrant, formatRetrieveError(retrieveErr))
		}
		return domain.AccessToken{}, fmt.Errorf("refresh %s: %w", credential.Email, err)
	}
	if token.AccessToken == "" {
		return domain.AccessToken{}, errors.New("token response missing access token")
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = r.now().Add(defaultTokenLifetime)
	}
	r.logger().Debug("refresh token exchanged",
		zap.String("email", credential.Email),
		zap.Time("expires_at", expiresAt),
		zap.Bool("rotated_refresh_token", token.RefreshToken != "" && token.RefreshToken != credential.RefreshToken),
	)

	return domain.AccessToken{Value: token.AccessToken, ExpiresAt: expiresAt}, nil
}

func (r OAuthRefresher) oauthConfig() (*oauth2.Config, error) {
	if r.Config.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if err := validateTokenURL(r.Config.TokenURL); err != nil {
		return nil, err
	}

	return &oauth2.Config{
		ClientID:     r.Config.ClientID,
		ClientSecret: r.Config.ClientSecret,
		Scopes:       r.Config.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.Config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

func (r OAuthRefresher) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r OAuthRefresher) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	requestTimeout := r.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return context.WithTimeout(ctx, requestTimeout)
}

func (r OAuthRefresher) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}

func (r OAuthRefresher) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func formatRetrieveError(err *oauth2.RetrieveError) string {
	if err.ErrorDescription != "" {
		return err.ErrorCode + ": " + err.ErrorDescription
	}
	return err.ErrorCode
}

func validateTokenURL(raw string) error {
	if raw == "" {
		return errors.New("token url is required")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse token url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("token url must use http or https")
	}
	if parsed.Host == "" {
		return errors.New("token url host is required")
	}
	return nil
}
