package api

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/google/go-github/v66/github"

	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/storage"
)

const maxWebhookBytes = 5 << 20

// WebhookOptions configure push notifications from GitHub.
type WebhookOptions struct {
	// Secret verifies X-Hub-Signature-256. Empty disables verification.
	Secret string
	// Branch is the tracked branch; pushes to other refs are ignored.
	Branch string
}

// GitHubWebhook handles POST /api/webhook/github. A push to the tracked
// branch touching image files queues a sync. The acknowledgement does not
// wait for the sync.
//
//	@Summary		GitHub push notification
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	WebhookResponse
//	@Failure		401	{object}	errResponse
//	@Router			/webhook/github [post]
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)

	payload, err := h.webhookPayload(r)
	if err != nil {
		slog.Warn("webhook: payload rejected", slog.String("error", err.Error()))
		if h.webhook.Secret != "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid signature"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid payload"))
		return
	}

	kind := github.WebHookType(r)
	if kind == "ping" {
		writeJSON(w, http.StatusOK, WebhookResponse{Message: "pong"})
		return
	}
	if kind != "push" {
		writeJSON(w, http.StatusOK, WebhookResponse{Message: "event ignored: " + kind})
		return
	}

	event, err := github.ParseWebHook(kind, payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid payload"))
		return
	}
	push, ok := event.(*github.PushEvent)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid payload"))
		return
	}

	branch := h.webhook.Branch
	if branch == "" {
		branch = "main"
	}
	if push.GetRef() != "refs/heads/"+branch {
		writeJSON(w, http.StatusOK, WebhookResponse{Message: "branch ignored: " + push.GetRef()})
		return
	}
	if !touchesImages(push) {
		writeJSON(w, http.StatusOK, WebhookResponse{Message: "no image changes"})
		return
	}

	slog.Info("webhook: push with image changes",
		slog.String("ref", push.GetRef()),
		slog.Int("commits", len(push.Commits)))
	h.sync.TriggerAsync(events.TriggerWebhook, "github")
	writeJSON(w, http.StatusOK, WebhookResponse{Message: "sync triggered", Triggered: true})
}

// webhookPayload returns the JSON payload of a delivery sent as
// application/json or as a form-encoded payload field. Without a secret the
// signature header is not checked.
func (h *Handler) webhookPayload(r *http.Request) ([]byte, error) {
	if h.webhook.Secret != "" {
		return github.ValidatePayload(r, []byte(h.webhook.Secret))
	}
	contentType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, err
		}
		contentType = mt
	}
	return github.ValidatePayloadFromBody(contentType, r.Body, "", nil)
}

func touchesImages(push *github.PushEvent) bool {
	for _, c := range push.Commits {
		for _, files := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, f := range files {
				if storage.IsImage(f) {
					return true
				}
			}
		}
	}
	return false
}
