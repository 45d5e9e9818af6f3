// Package auth resolves the bearer credential presented on connection to a
// stable user identity. Verification is delegated to a Verifier; nothing is
// cached beyond a single call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"anna/internal/logging"
	"anna/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Reason classifies an authentication failure.
type Reason string

const (
	MissingCredential       Reason = "missing_credential"
	InvalidCredential       Reason = "invalid_credential"
	IdentityNotFound        Reason = "identity_not_found"
	VerificationUnavailable Reason = "verification_unavailable"
)

// AuthError is returned for every rejected handshake.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError builds an AuthError.
func NewAuthError(reason Reason, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason. Unclassified errors count as the
// provider being unavailable.
func ReasonOf(err error) Reason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return VerificationUnavailable
}

// Identity is a verified user.
type Identity struct {
	UserID string
	Email  string
}

// Handshake carries the credential presented when a connection opens.
type Handshake struct {
	Credential string
}

// Verifier checks a credential against an identity provider.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Authenticator gates new connections.
type Authenticator struct {
	verifier Verifier
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
}

// NewAuthenticator wraps verifier. obs may be nil.
func NewAuthenticator(verifier Verifier, obs *observability.Observability, logger logging.Logger) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		logger:   logging.OrNop(logger),
	}
	if obs != nil {
		a.metrics = obs.Metrics
		a.tracer = obs.Tracer
	}
	return a
}

// Authenticate resolves the handshake credential to an identity. Every
// failure is an *AuthError.
func (a *Authenticator) Authenticate(ctx context.Context, hs Handshake) (Identity, error) {
	credential := strings.TrimSpace(hs.Credential)
	if credential == "" {
		return a.reject(ctx, NewAuthError(MissingCredential, nil))
	}
	if a.verifier == nil {
		return a.reject(ctx, NewAuthError(VerificationUnavailable, errors.New("no verifier configured")))
	}

	ctx, span := a.tracer.StartSpan(ctx, observability.SpanAuthVerify)
	identity, err := a.verifier.Verify(ctx, credential)
	if err == nil && identity.UserID == "" {
		err = NewAuthError(IdentityNotFound, errors.New("provider returned no user id"))
	}
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			authErr = NewAuthError(VerificationUnavailable, err)
		}
		span.SetAttributes(attribute.String(observability.AttrReason, string(authErr.Reason)))
		observability.EndSpan(span, authErr)
		return a.reject(ctx, authErr)
	}
	span.SetAttributes(attribute.String(observability.AttrUserID, identity.UserID))
	observability.EndSpan(span, nil)
	return identity, nil
}

func (a *Authenticator) reject(ctx context.Context, err *AuthError) (Identity, error) {
	a.metrics.RecordAuthFailure(ctx, string(err.Reason))
	if err.Reason == VerificationUnavailable {
		a.logger.Warn("Identity verification unavailable: %v", err.Err)
	} else {
		a.logger.Debug("Rejected connection: %v", err)
	}
	return Identity{}, err
}

// CredentialFromRequest reads a bearer token from the Authorization header or
// the access_token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		const prefix = "bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

type identityKey struct{}

// WithIdentity attaches identity to ctx for the lifetime of a connection.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	ctx = observability.ContextWithUserID(ctx, identity.UserID)
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
