package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	annaerrors "anna/internal/errors"
	"anna/internal/httpclient"
	"anna/internal/logging"
)

const defaultVerifyTimeout = 5 * time.Second

// RemoteVerifier asks a hosted identity provider who owns a token by calling
// its user endpoint with the token as bearer credential.
type RemoteVerifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type providerUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NewRemoteVerifier creates a verifier for the provider user endpoint.
func NewRemoteVerifier(endpoint, apiKey string, timeout time.Duration, logger logging.Logger) (*RemoteVerifier, error) {
	if endpoint == "" {
		return nil, errors.New("identity provider url not configured")
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &RemoteVerifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   httpclient.NewWithCircuitBreaker(timeout, logger, "identity-provider"),
	}, nil
}

func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return Identity{}, NewAuthError(VerificationUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, NewAuthError(VerificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpclient.ReadErrorBody(resp.Body)
		statusErr := annaerrors.FromHTTPStatus(resp.StatusCode, "identity provider", detail)
		return Identity{}, NewAuthError(reasonForStatus(resp.StatusCode, statusErr), statusErr)
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, 64<<10)
	if err != nil {
		return Identity{}, NewAuthError(VerificationUnavailable, fmt.Errorf("read provider response: %w", err))
	}
	var user providerUser
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, NewAuthError(VerificationUnavailable, fmt.Errorf("decode provider response: %w", err))
	}
	if user.ID == "" {
		return Identity{}, NewAuthError(IdentityNotFound, errors.New("provider returned no user id"))
	}
	return Identity{UserID: user.ID, Email: user.Email}, nil
}

func reasonForStatus(status int, err error) Reason {
	switch {
	case status == http.StatusNotFound:
		return IdentityNotFound
	case status >= 500, !annaerrors.IsPermanent(err):
		return VerificationUnavailable
	default:
		return InvalidCredential
	}
}
