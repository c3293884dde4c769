package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

// TokenSaver persists provider tokens obtained by the upstream OAuth flow.
type TokenSaver interface {
	Save(ctx context.Context, ownerID int64, tok *oauth2.Token) error
	Forget(ctx context.Context, ownerID int64) error
}

// DisconnectResult reports what a disconnect touched.
type DisconnectResult struct {
	UnlinkedEvents  int64 `json:"unlinkedEvents"`
	ChannelsStopped int   `json:"channelsStopped"`
}

// Connections manages the provider link and the sync toggle.
type Connections struct {
	connections store.ConnectionRepository
	events      store.EventRepository
	channels    store.ChannelRepository
	tokens      TokenSaver
	remote      remote.Client
	gate        Gate
	log         *slog.Logger
	now         func() time.Time
}

func NewConnections(connections store.ConnectionRepository, events store.EventRepository, channels store.ChannelRepository,
	tokens TokenSaver, client remote.Client, g Gate, log *slog.Logger) *Connections {
	return &Connections{
		connections: connections,
		events:      events,
		channels:    channels,
		tokens:      tokens,
		remote:      client,
		gate:        g,
		log:         log.With(slog.String("component", "connections")),
		now:         time.Now,
	}
}

// Connect stores tokens and activates the connection with sync enabled.
func (c *Connections) Connect(ctx context.Context, userID int64, calendarID string, tok *oauth2.Token) (*store.Connection, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	if err := c.tokens.Save(ctx, userID, tok); err != nil {
		return nil, err
	}
	return c.connections.Upsert(ctx, store.Connection{
		OwnerID:     userID,
		Provider:    store.ProviderGoogle,
		CalendarID:  calendarID,
		Active:      true,
		SyncEnabled: true,
	})
}

func (c *Connections) SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error {
	return c.connections.SetSyncEnabled(ctx, userID, enabled)
}

// SyncEnabled reports false for users that never connected.
func (c *Connections) SyncEnabled(ctx context.Context, userID int64) (bool, error) {
	conn, err := c.connections.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conn.Active && conn.SyncEnabled, nil
}

// Disconnect deactivates the connection and clears remote linkage. Local
// events are kept. Webhook channels are stopped best-effort.
func (c *Connections) Disconnect(ctx context.Context, userID int64) (*DisconnectResult, error) {
	// Resolve a token before deactivating so channels can still be stopped.
	d := c.gate.CanSync(ctx, userID)
	now := c.now().UTC()

	if err := c.connections.Deactivate(ctx, userID, now); err != nil {
		return nil, err
	}
	unlinked, err := c.events.ClearRemoteLinks(ctx, userID, store.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("clear remote links: %w", err)
	}

	res := &DisconnectResult{UnlinkedEvents: unlinked}
	channels, err := c.channels.ListByOwner(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		if d.Allowed {
			if err := c.remote.Stop(ctx, d.Token, ch.ChannelID, ch.ResourceID); err != nil {
				c.log.Warn("stop channel on disconnect", slog.Int64("channel_id", ch.ID), slog.Any("error", err))
			}
		}
		if err := c.channels.Deactivate(ctx, ch.ID, "disconnected", now); err != nil {
			c.log.Warn("deactivate channel on disconnect", slog.Int64("channel_id", ch.ID), slog.Any("error", err))
			continue
		}
		res.ChannelsStopped++
	}
	if err := c.tokens.Forget(ctx, userID); err != nil {
		c.log.Warn("forget credentials", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	c.log.Info("disconnected", slog.Int64("user_id", userID), slog.Int64("unlinked", unlinked), slog.Int("channels", res.ChannelsStopped))
	return res, nil
}
