// Package api exposes the sync engine as JSON operations under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/auth"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/jobs"
	"github.com/jw6ventures/calsync/internal/ledger"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

type InitialSyncer interface {
	Run(ctx context.Context, userID int64, strategy syncer.Strategy) (*syncer.InitialSyncResult, error)
	ResolveConflict(ctx context.Context, userID, conflictID int64, resolution string) (*store.SyncConflict, error)
	ListConflicts(ctx context.Context, userID int64, unresolvedOnly bool) ([]store.SyncConflict, error)
}

type Connections interface {
	Connect(ctx context.Context, userID int64, calendarID string, tok *oauth2.Token) (*store.Connection, error)
	SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error
	SyncEnabled(ctx context.Context, userID int64) (bool, error)
	Disconnect(ctx context.Context, userID int64) (*syncer.DisconnectResult, error)
}

type Puller interface {
	Pull(ctx context.Context, userID int64, opts syncer.PullOptions) (*syncer.PullResult, error)
}

type Pusher interface {
	Create(ctx context.Context, userID int64, in store.EventInput) (*syncer.PushResult, error)
	Update(ctx context.Context, userID, eventID int64, in store.EventInput) (*syncer.PushResult, error)
	Delete(ctx context.Context, userID, eventID int64) (*syncer.PushResult, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload, priority queue.Priority) (*queue.Handle, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Queue is the operator surface of one job queue.
type Queue interface {
	Name() string
	Health(ctx context.Context) (queue.Health, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Retry(ctx context.Context, id string) error
}

type Ledger interface {
	List(ctx context.Context, userID int64, includeResolved bool, limit int) ([]store.SyncError, error)
	Get(ctx context.Context, id int64) (*store.SyncError, error)
	ForceRetry(ctx context.Context, id int64) (*store.SyncError, error)
}

type Channels interface {
	Stats(ctx context.Context) (webhook.Stats, error)
	Channel(ctx context.Context, id int64) (*store.WebhookChannel, error)
	ForceRenew(ctx context.Context, id int64) (*store.WebhookChannel, error)
	Subscribe(ctx context.Context, userID int64) (*store.WebhookChannel, error)
	HandleNotification(ctx context.Context, n webhook.Notification) (*webhook.NotificationResult, error)
}

// Services are the collaborators behind the API operations.
type Services struct {
	Initial     InitialSyncer
	Connections Connections
	Puller      Puller
	Pusher      Pusher
	Jobs        Enqueuer
	Queues      []Queue
	Ledger      Ledger
	Channels    Channels
}

type Handler struct {
	svc        Services
	log        *slog.Logger
	middleware huma.Middlewares
	public     huma.Middlewares
}

// NewHandler takes the middlewares for user operations and for the public
// provider callback separately.
func NewHandler(svc Services, log *slog.Logger, mws, public huma.Middlewares) *Handler {
	return &Handler{
		svc:        svc,
		log:        log.With(slog.String("component", "api")),
		middleware: mws,
		public:     public,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.initialSyncOp(), h.initialSync)
	huma.Register(api, h.getSyncEnabledOp(), h.getSyncEnabled)
	huma.Register(api, h.setSyncEnabledOp(), h.setSyncEnabled)
	huma.Register(api, h.connectOp(), h.connect)
	huma.Register(api, h.disconnectOp(), h.disconnect)
	huma.Register(api, h.listConflictsOp(), h.listConflicts)
	huma.Register(api, h.resolveConflictOp(), h.resolveConflict)
	huma.Register(api, h.pullOp(), h.pull)

	huma.Register(api, h.createEventOp(), h.createEvent)
	huma.Register(api, h.updateEventOp(), h.updateEvent)
	huma.Register(api, h.deleteEventOp(), h.deleteEvent)

	// Static job paths go before {id}.
	huma.Register(api, h.jobsHealthOp(), h.jobsHealth)
	huma.Register(api, h.enqueueJobOp(), h.enqueueJob)
	huma.Register(api, h.getJobOp(), h.getJob)
	huma.Register(api, h.retryJobOp(), h.retryJob)
	huma.Register(api, h.pauseQueueOp(), h.pauseQueue)
	huma.Register(api, h.resumeQueueOp(), h.resumeQueue)

	huma.Register(api, h.listErrorsOp(), h.listErrors)
	huma.Register(api, h.getErrorOp(), h.getError)
	huma.Register(api, h.retryErrorOp(), h.retryError)

	huma.Register(api, h.webhookStatsOp(), h.webhookStats)
	huma.Register(api, h.subscribeOp(), h.subscribe)
	huma.Register(api, h.renewChannelOp(), h.renewChannel)
	huma.Register(api, h.notificationOp(), h.notification)
}

func userID(ctx context.Context) (int64, error) {
	id, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return 0, huma.Error401Unauthorized("Unauthorized")
	}
	return id, nil
}

// fail maps domain errors onto HTTP problems. Unknown errors are logged and
// hidden behind a 500.
func (h *Handler) fail(ctx context.Context, message string, err error) error {
	var se huma.StatusError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound), errors.Is(err, webhook.ErrUnknownChannel):
		return huma.Error404NotFound("not found")
	case errors.Is(err, webhook.ErrBadToken):
		return huma.Error403Forbidden("invalid channel token")
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, ledger.ErrAlreadyResolved), errors.Is(err, syncer.ErrSyncNotAllowed):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, jobs.ErrInvalidPayload), errors.Is(err, store.ErrInvalidRange),
		errors.Is(err, store.ErrMissingOwner), errors.Is(err, store.ErrMissingRemoteID):
		return huma.Error400BadRequest(err.Error())
	}
	httperrors.LogError(ctx, h.log, message, err)
	return huma.Error500InternalServerError("internal server error")
}

// ==================== Sync ====================

func (h *Handler) initialSync(ctx context.Context, input *initialSyncInput) (*initialSyncOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	strategy, err := syncer.ParseStrategy(input.Body.Strategy)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	out := &initialSyncOutput{Status: http.StatusOK}
	if input.Async {
		handle, err := h.svc.Jobs.Enqueue(ctx, jobs.Payload{
			Kind:        jobs.KindInitialSync,
			UserID:      uid,
			InitialSync: &jobs.InitialSyncArgs{Strategy: string(strategy)},
		}, 0)
		if err != nil {
			return nil, h.fail(ctx, "enqueue initial sync", err)
		}
		v := toJobHandleView(handle)
		out.Status = http.StatusAccepted
		out.Body.Job = &v
		return out, nil
	}
	res, err := h.svc.Initial.Run(ctx, uid, strategy)
	if err != nil {
		return nil, h.fail(ctx, "initial sync", err)
	}
	out.Body.Result = res
	return out, nil
}

func (h *Handler) getSyncEnabled(ctx context.Context, _ *struct{}) (*syncEnabledOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := h.svc.Connections.SyncEnabled(ctx, uid)
	if err != nil {
		return nil, h.fail(ctx, "read sync toggle", err)
	}
	out := &syncEnabledOutput{}
	out.Body.Enabled = enabled
	return out, nil
}

func (h *Handler) setSyncEnabled(ctx context.Context, input *setSyncEnabledInput) (*syncEnabledOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Connections.SetSyncEnabled(ctx, uid, input.Body.Enabled); err != nil {
		return nil, h.fail(ctx, "set sync toggle", err)
	}
	out := &syncEnabledOutput{}
	out.Body.Enabled = input.Body.Enabled
	return out, nil
}

func (h *Handler) connect(ctx context.Context, input *connectInput) (*connectOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken:  input.Body.AccessToken,
		RefreshToken: input.Body.RefreshToken,
		TokenType:    input.Body.TokenType,
	}
	if input.Body.Expiry != nil {
		tok.Expiry = *input.Body.Expiry
	}
	calendarID := input.Body.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	conn, err := h.svc.Connections.Connect(ctx, uid, calendarID, tok)
	if err != nil {
		return nil, h.fail(ctx, "connect", err)
	}
	out := &connectOutput{}
	out.Body.Connection = connectionView{
		CalendarID:    conn.CalendarID,
		Active:        conn.Active,
		SyncEnabled:   conn.SyncEnabled,
		InitialSyncAt: conn.InitialSyncAt,
	}
	// The channel is optional; scheduled pulls cover a missing one.
	if ch, err := h.svc.Channels.Subscribe(ctx, uid); err != nil {
		h.log.Warn("subscribe after connect", slog.Int64("user_id", uid), slog.Any("error", err))
	} else {
		v := toChannelView(ch)
		out.Body.Channel = &v
	}
	return out, nil
}

func (h *Handler) disconnect(ctx context.Context, _ *struct{}) (*disconnectOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Connections.Disconnect(ctx, uid)
	if err != nil {
		return nil, h.fail(ctx, "disconnect", err)
	}
	return &disconnectOutput{Body: res}, nil
}

func (h *Handler) listConflicts(ctx context.Context, input *conflictsInput) (*conflictsOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := h.svc.Initial.ListConflicts(ctx, uid, !input.All)
	if err != nil {
		return nil, h.fail(ctx, "list conflicts", err)
	}
	return &conflictsOutput{Body: toConflictViews(cs)}, nil
}

func (h *Handler) resolveConflict(ctx context.Context, input *resolveConflictInput) (*conflictOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	c, err := h.svc.Initial.ResolveConflict(ctx, uid, input.ID, input.Body.Resolution)
	if err != nil {
		return nil, h.fail(ctx, "resolve conflict", err)
	}
	return &conflictOutput{Body: toConflictView(*c)}, nil
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	b := input.Body
	if b.TimeMin != nil && b.TimeMax != nil && !b.TimeMin.Before(*b.TimeMax) {
		return nil, huma.Error400BadRequest("timeMin must be before timeMax")
	}
	out := &pullOutput{Status: http.StatusOK}
	if input.Async {
		priority, err := queue.ParsePriority(b.Priority)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		handle, err := h.svc.Jobs.Enqueue(ctx, jobs.Payload{
			Kind:   jobs.KindBatchPull,
			UserID: uid,
			Pull:   &jobs.PullArgs{TimeMin: b.TimeMin, TimeMax: b.TimeMax, MaxResults: b.MaxResults},
		}, priority)
		if err != nil {
			return nil, h.fail(ctx, "enqueue pull", err)
		}
		v := toJobHandleView(handle)
		out.Status = http.StatusAccepted
		out.Body.Job = &v
		return out, nil
	}
	opts := syncer.PullOptions{MaxResults: b.MaxResults}
	if b.TimeMin != nil {
		opts.TimeMin = *b.TimeMin
	}
	if b.TimeMax != nil {
		opts.TimeMax = *b.TimeMax
	}
	res, err := h.svc.Puller.Pull(ctx, uid, opts)
	if err != nil {
		return nil, h.fail(ctx, "pull", err)
	}
	out.Body.Result = res
	return out, nil
}

// ==================== Events ====================

func (h *Handler) createEvent(ctx context.Context, input *createEventInput) (*pushOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Pusher.Create(ctx, uid, input.Body.input())
	if err != nil {
		return nil, h.fail(ctx, "create event", err)
	}
	return &pushOutput{Body: toPushView(res)}, nil
}

func (h *Handler) updateEvent(ctx context.Context, input *updateEventInput) (*pushOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Pusher.Update(ctx, uid, input.ID, input.Body.input())
	if err != nil {
		return nil, h.fail(ctx, "update event", err)
	}
	return &pushOutput{Body: toPushView(res)}, nil
}

func (h *Handler) deleteEvent(ctx context.Context, input *eventIDInput) (*pushOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Pusher.Delete(ctx, uid, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "delete event", err)
	}
	return &pushOutput{Body: toPushView(res)}, nil
}

// ==================== Jobs ====================

func (h *Handler) enqueueJob(ctx context.Context, input *enqueueInput) (*jobHandleOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	b := input.Body
	kind, err := jobs.ParseKind(b.Kind)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	priority, err := queue.ParsePriority(b.Priority)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	p := jobs.Payload{Kind: kind, UserID: uid}
	switch kind {
	case jobs.KindBatchPull:
		p.Pull = &jobs.PullArgs{TimeMin: b.TimeMin, TimeMax: b.TimeMax, MaxResults: b.MaxResults}
	case jobs.KindPush:
		p.Push = &jobs.PushArgs{Operation: jobs.PushOperation(b.Operation), EventID: b.EventID, RemoteID: b.RemoteID}
	case jobs.KindPull, jobs.KindFullSync:
	default:
		return nil, huma.Error400BadRequest("kind cannot be queued directly: " + kind.String())
	}
	handle, err := h.svc.Jobs.Enqueue(ctx, p, priority)
	if err != nil {
		return nil, h.fail(ctx, "enqueue job", err)
	}
	return &jobHandleOutput{Body: toJobHandleView(handle)}, nil
}

// ownedJob loads a job and hides jobs that belong to another user.
func (h *Handler) ownedJob(ctx context.Context, uid int64, id string) (*queue.Job, error) {
	job, err := h.svc.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var p jobs.Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.UserID != uid {
		return nil, queue.ErrNotFound
	}
	return job, nil
}

func (h *Handler) getJob(ctx context.Context, input *jobIDInput) (*jobOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.ownedJob(ctx, uid, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "get job", err)
	}
	return &jobOutput{Body: job}, nil
}

func (h *Handler) retryJob(ctx context.Context, input *jobIDInput) (*jobOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.ownedJob(ctx, uid, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "retry job", err)
	}
	q, ok := h.queue(job.Queue)
	if !ok {
		return nil, huma.Error404NotFound("not found")
	}
	if err := q.Retry(ctx, job.ID); err != nil {
		return nil, h.fail(ctx, "retry job", err)
	}
	job, err = h.svc.Jobs.Get(ctx, job.ID)
	if err != nil {
		return nil, h.fail(ctx, "retry job", err)
	}
	return &jobOutput{Body: job}, nil
}

func (h *Handler) queue(name string) (Queue, bool) {
	for _, q := range h.svc.Queues {
		if q.Name() == name {
			return q, true
		}
	}
	return nil, false
}

func (h *Handler) selectQueues(name string) ([]Queue, error) {
	if name == "" {
		return h.svc.Queues, nil
	}
	q, ok := h.queue(name)
	if !ok {
		return nil, huma.Error404NotFound("unknown queue " + name)
	}
	return []Queue{q}, nil
}

func (h *Handler) jobsHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	if _, err := userID(ctx); err != nil {
		return nil, err
	}
	out := &healthOutput{}
	out.Body.Healthy = true
	out.Body.Queues = make([]queue.Health, 0, len(h.svc.Queues))
	for _, q := range h.svc.Queues {
		health, err := q.Health(ctx)
		if err != nil {
			return nil, h.fail(ctx, "queue health", err)
		}
		out.Body.Queues = append(out.Body.Queues, health)
		out.Body.Healthy = out.Body.Healthy && health.Healthy
	}
	return out, nil
}

func (h *Handler) setPaused(ctx context.Context, name string, paused bool) (*queueStateOutput, error) {
	if _, err := userID(ctx); err != nil {
		return nil, err
	}
	qs, err := h.selectQueues(name)
	if err != nil {
		return nil, err
	}
	out := &queueStateOutput{}
	out.Body.Paused = paused
	for _, q := range qs {
		if paused {
			err = q.Pause(ctx)
		} else {
			err = q.Resume(ctx)
		}
		if err != nil {
			return nil, h.fail(ctx, "set queue pause state", err)
		}
		h.log.Info("queue pause state changed", slog.String("queue", q.Name()), slog.Bool("paused", paused))
		out.Body.Queues = append(out.Body.Queues, q.Name())
	}
	return out, nil
}

func (h *Handler) pauseQueue(ctx context.Context, input *queueSelectInput) (*queueStateOutput, error) {
	return h.setPaused(ctx, input.Queue, true)
}

func (h *Handler) resumeQueue(ctx context.Context, input *queueSelectInput) (*queueStateOutput, error) {
	return h.setPaused(ctx, input.Queue, false)
}

// ==================== Errors ====================

func (h *Handler) listErrors(ctx context.Context, input *listErrorsInput) (*listErrorsOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := h.svc.Ledger.List(ctx, uid, input.IncludeResolved, input.Limit)
	if err != nil {
		return nil, h.fail(ctx, "list sync errors", err)
	}
	out := &listErrorsOutput{Body: make([]syncErrorView, 0, len(entries))}
	for _, e := range entries {
		out.Body = append(out.Body, toSyncErrorView(e))
	}
	return out, nil
}

func (h *Handler) ownedError(ctx context.Context, uid, id int64) (*store.SyncError, error) {
	e, err := h.svc.Ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != uid {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (h *Handler) getError(ctx context.Context, input *errorIDInput) (*syncErrorOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	e, err := h.ownedError(ctx, uid, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "get sync error", err)
	}
	return &syncErrorOutput{Body: toSyncErrorView(*e)}, nil
}

func (h *Handler) retryError(ctx context.Context, input *errorIDInput) (*syncErrorOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedError(ctx, uid, input.ID); err != nil {
		return nil, h.fail(ctx, "retry sync error", err)
	}
	e, err := h.svc.Ledger.ForceRetry(ctx, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "retry sync error", err)
	}
	return &syncErrorOutput{Body: toSyncErrorView(*e)}, nil
}

// ==================== Webhooks ====================

func (h *Handler) webhookStats(ctx context.Context, _ *struct{}) (*webhookStatsOutput, error) {
	if _, err := userID(ctx); err != nil {
		return nil, err
	}
	stats, err := h.svc.Channels.Stats(ctx)
	if err != nil {
		return nil, h.fail(ctx, "webhook stats", err)
	}
	return &webhookStatsOutput{Body: stats}, nil
}

func (h *Handler) subscribe(ctx context.Context, _ *struct{}) (*channelOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := h.svc.Channels.Subscribe(ctx, uid)
	if err != nil {
		return nil, h.fail(ctx, "subscribe", err)
	}
	return &channelOutput{Body: toChannelView(ch)}, nil
}

func (h *Handler) renewChannel(ctx context.Context, input *channelIDInput) (*channelOutput, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := h.svc.Channels.Channel(ctx, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "renew channel", err)
	}
	if ch.OwnerID != uid {
		return nil, huma.Error404NotFound("not found")
	}
	ch, err = h.svc.Channels.ForceRenew(ctx, input.ID)
	if err != nil {
		return nil, h.fail(ctx, "renew channel", err)
	}
	return &channelOutput{Body: toChannelView(ch)}, nil
}

func (h *Handler) notification(ctx context.Context, input *notificationInput) (*notificationOutput, error) {
	start := time.Now()
	res, err := h.svc.Channels.HandleNotification(ctx, webhook.Notification{
		ChannelID:     input.ChannelID,
		Token:         input.Token,
		ResourceID:    input.ResourceID,
		ResourceState: input.ResourceState,
		MessageNumber: input.MessageNumber,
	})
	if err != nil {
		return nil, h.fail(ctx, "webhook notification", err)
	}
	h.log.Debug("notification handled", slog.String("channel", input.ChannelID),
		slog.String("state", input.ResourceState), slog.Duration("duration", time.Since(start)))
	return &notificationOutput{Body: res}, nil
}
