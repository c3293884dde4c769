// Package gate decides whether a user may currently sync with the provider.
package gate

import (
	"context"
	"errors"

	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// Reason explains a disallowed decision.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonNoConnection           Reason = "no_connection"
	ReasonConnectionInactive     Reason = "connection_inactive"
	ReasonSyncDisabled           Reason = "sync_disabled"
	ReasonNoCredentials          Reason = "no_credentials"
	ReasonCredentialInvalid      Reason = "credential_invalid"
	ReasonConnectionLookupFailed Reason = "connection_lookup_failed"
	ReasonCredentialCheckFailed  Reason = "credential_check_failed"
)

// Decision is the outcome of a capability check. Token and CalendarID are set
// only when Allowed. Transient marks a denial caused by an infrastructure
// failure rather than by the user's connection or credentials; callers must
// not revoke anything on a transient denial.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Transient  bool
	Token      *oauth2.Token
	CalendarID string
}

// ConnectionStore reads connection state.
type ConnectionStore interface {
	Get(ctx context.Context, ownerID int64) (*store.Connection, error)
}

// CredentialStore yields a valid, possibly refreshed, access token.
type CredentialStore interface {
	ValidToken(ctx context.Context, ownerID int64) (*oauth2.Token, error)
}

type Gate struct {
	connections ConnectionStore
	credentials CredentialStore
	log         *slog.Logger
}

func New(connections ConnectionStore, credentials CredentialStore, log *slog.Logger) *Gate {
	return &Gate{
		connections: connections,
		credentials: credentials,
		log:         log.With(slog.String("component", "gate")),
	}
}

// CanSync never returns an error; failures are expressed as a Reason.
func (g *Gate) CanSync(ctx context.Context, userID int64) Decision {
	d := g.decide(ctx, userID)
	metrics.ObserveGate(string(d.Reason))
	return d
}

func (g *Gate) decide(ctx context.Context, userID int64) Decision {
	conn, err := g.connections.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return deny(ReasonNoConnection)
		}
		g.log.Error("connection lookup failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return Decision{Reason: ReasonConnectionLookupFailed, Transient: true}
	}
	if !conn.Active {
		return deny(ReasonConnectionInactive)
	}
	if !conn.SyncEnabled {
		return deny(ReasonSyncDisabled)
	}

	tok, err := g.credentials.ValidToken(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNoCredential):
			return deny(ReasonNoCredentials)
		case errors.Is(err, auth.ErrCredentialInvalid):
			return deny(ReasonCredentialInvalid)
		}
		g.log.Warn("credential check failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return Decision{Reason: ReasonCredentialCheckFailed, Transient: true}
	}
	return Decision{Allowed: true, Token: tok, CalendarID: conn.CalendarID}
}

func deny(r Reason) Decision {
	return Decision{Reason: r}
}
