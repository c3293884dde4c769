package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) op(id, method, path, summary, tag string) huma.Operation {
	return huma.Operation{
		OperationID: id,
		Method:      method,
		Path:        path,
		Summary:     summary,
		Tags:        []string{tag},
		Middlewares: h.middleware,
	}
}

func (h *Handler) initialSyncOp() huma.Operation {
	op := h.op("sync-initial", http.MethodPost, "/api/v1/sync/initial", "Run the initial sync", "sync")
	op.Description = "Matches existing local events against the remote calendar and imports the rest. With async=true the run is queued."
	return op
}

func (h *Handler) getSyncEnabledOp() huma.Operation {
	return h.op("sync-enabled-get", http.MethodGet, "/api/v1/sync/enabled", "Read the sync toggle", "sync")
}

func (h *Handler) setSyncEnabledOp() huma.Operation {
	return h.op("sync-enabled-set", http.MethodPut, "/api/v1/sync/enabled", "Set the sync toggle", "sync")
}

func (h *Handler) connectOp() huma.Operation {
	return h.op("sync-connect", http.MethodPost, "/api/v1/sync/connect", "Store provider tokens and enable sync", "sync")
}

func (h *Handler) disconnectOp() huma.Operation {
	op := h.op("sync-disconnect", http.MethodPost, "/api/v1/sync/disconnect", "Disconnect the provider", "sync")
	op.Description = "Deactivates the connection and clears remote links. Local events are kept."
	return op
}

func (h *Handler) listConflictsOp() huma.Operation {
	return h.op("sync-conflicts-list", http.MethodGet, "/api/v1/sync/conflicts", "List sync conflicts", "sync")
}

func (h *Handler) resolveConflictOp() huma.Operation {
	return h.op("sync-conflicts-resolve", http.MethodPost, "/api/v1/sync/conflicts/{id}/resolve", "Resolve a conflict", "sync")
}

func (h *Handler) pullOp() huma.Operation {
	return h.op("sync-pull", http.MethodPost, "/api/v1/sync/pull", "Pull remote events into the local store", "sync")
}

func (h *Handler) createEventOp() huma.Operation {
	op := h.op("events-create", http.MethodPost, "/api/v1/events", "Create an event and mirror it remotely", "events")
	op.DefaultStatus = http.StatusCreated
	return op
}

func (h *Handler) updateEventOp() huma.Operation {
	return h.op("events-update", http.MethodPut, "/api/v1/events/{id}", "Update an event and mirror it remotely", "events")
}

func (h *Handler) deleteEventOp() huma.Operation {
	return h.op("events-delete", http.MethodDelete, "/api/v1/events/{id}", "Delete an event and mirror it remotely", "events")
}

func (h *Handler) enqueueJobOp() huma.Operation {
	op := h.op("jobs-enqueue", http.MethodPost, "/api/v1/jobs", "Queue a sync job", "jobs")
	op.DefaultStatus = http.StatusAccepted
	return op
}

func (h *Handler) jobsHealthOp() huma.Operation {
	return h.op("jobs-health", http.MethodGet, "/api/v1/jobs/health", "Queue health", "jobs")
}

func (h *Handler) getJobOp() huma.Operation {
	return h.op("jobs-get", http.MethodGet, "/api/v1/jobs/{id}", "Job status", "jobs")
}

func (h *Handler) retryJobOp() huma.Operation {
	return h.op("jobs-retry", http.MethodPost, "/api/v1/jobs/{id}/retry", "Retry a failed job", "jobs")
}

func (h *Handler) pauseQueueOp() huma.Operation {
	return h.op("queue-pause", http.MethodPost, "/api/v1/queue/pause", "Pause job processing", "jobs")
}

func (h *Handler) resumeQueueOp() huma.Operation {
	return h.op("queue-resume", http.MethodPost, "/api/v1/queue/resume", "Resume job processing", "jobs")
}

func (h *Handler) listErrorsOp() huma.Operation {
	return h.op("errors-list", http.MethodGet, "/api/v1/errors", "List ledger entries", "errors")
}

func (h *Handler) getErrorOp() huma.Operation {
	return h.op("errors-get", http.MethodGet, "/api/v1/errors/{id}", "Get a ledger entry", "errors")
}

func (h *Handler) retryErrorOp() huma.Operation {
	return h.op("errors-retry", http.MethodPost, "/api/v1/errors/{id}/retry", "Replay a ledger entry now", "errors")
}

func (h *Handler) webhookStatsOp() huma.Operation {
	return h.op("webhooks-stats", http.MethodGet, "/api/v1/webhooks/stats", "Channel renewal statistics", "webhooks")
}

func (h *Handler) subscribeOp() huma.Operation {
	return h.op("webhooks-subscribe", http.MethodPost, "/api/v1/webhooks/subscribe", "Open a notification channel", "webhooks")
}

func (h *Handler) renewChannelOp() huma.Operation {
	return h.op("webhooks-renew", http.MethodPost, "/api/v1/webhooks/{id}/renew", "Renew a channel now", "webhooks")
}

// notificationOp is called by the provider and carries no user header.
func (h *Handler) notificationOp() huma.Operation {
	return huma.Operation{
		OperationID: "webhooks-notify",
		Method:      http.MethodPost,
		Path:        "/webhooks/calendar",
		Summary:     "Inbound provider notification",
		Tags:        []string{"webhooks"},
		Middlewares: h.public,
	}
}
