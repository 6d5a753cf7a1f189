package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook accepts forge webhook deliveries, verifies them and
// publishes the normalized event. The response is 202: trigger matching
// and run execution happen asynchronously.
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	forge := webhook.DetectForge(r)
	if forge == webhook.ForgeUnknown {
		writeError(w, http.StatusBadRequest, "unrecognized webhook source")
		return
	}

	secret := s.daemon.Config().Server.WebhookSecret
	if err := verifyDelivery(r, forge, secret, body); err != nil {
		slog.Warn("Webhook rejected", slog.String("forge", string(forge)), logfields.Error(err))
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	kind := eventKind(r, forge)
	ev, err := webhook.Parse(forge, kind, body)
	if err != nil {
		slog.Debug("Ignoring webhook", slog.String("kind", kind), logfields.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": err.Error()})
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	err = s.daemon.Bus().Publish(ctx, events.EventReceived{
		Event:      ev,
		Source:     "webhook",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// verifyDelivery checks the forge-specific authentication of a webhook.
// GitHub and Forgejo sign the body with HMAC; GitLab sends the shared
// secret as a token header. An empty secret disables verification.
func verifyDelivery(r *http.Request, forge webhook.ForgeType, secret string, body []byte) error {
	if forge == webhook.ForgeGitLab {
		if secret == "" {
			return nil
		}
		token := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return errors.New("webhook token mismatch")
		}
		return nil
	}
	return webhook.VerifySignature(secret, r.Header.Get("X-Hub-Signature-256"), body)
}

// eventKind extracts the forge's event type header.
func eventKind(r *http.Request, forge webhook.ForgeType) string {
	switch forge {
	case webhook.ForgeGitLab:
		return r.Header.Get("X-Gitlab-Event")
	case webhook.ForgeForgejo:
		if kind := r.Header.Get("X-Forgejo-Event"); kind != "" {
			return kind
		}
		if kind := r.Header.Get("X-Gitea-Event"); kind != "" {
			return kind
		}
		return r.Header.Get("X-GitHub-Event")
	default:
		return r.Header.Get("X-GitHub-Event")
	}
}

// dispatchRequest is the body of POST /api/dispatch.
type dispatchRequest struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
}

// handleDispatch triggers workflow_dispatch for a configured repository.
func (s *HTTPServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Repository == "" {
		writeError(w, http.StatusBadRequest, "repository is required")
		return
	}

	branch := req.Branch
	var found bool
	for _, repo := range s.daemon.Repositories() {
		if repo.Name == req.Repository {
			found = true
			if branch == "" {
				branch = repo.Branch
			}
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown repository")
		return
	}

	ev := trigger.NewDispatchEvent(req.Repository, branch)
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	err := s.daemon.Bus().Publish(ctx, events.EventReceived{
		Event:      ev,
		Source:     "dispatch",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "dispatched",
		"repository": req.Repository,
		"branch":     branch,
	})
}

// handleListRuns returns recent run history, newest first.
func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		recs []any
		err  error
	)
	if wf := r.URL.Query().Get("workflow"); wf != "" {
		rows, e := s.daemon.Store().ListByWorkflow(ctx, wf, 50)
		err = e
		for _, rec := range rows {
			recs = append(recs, rec)
		}
	} else {
		rows, e := s.daemon.Store().List(ctx, 50)
		err = e
		for _, rec := range rows {
			recs = append(recs, rec)
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": recs})
}

// handleGetRun returns one run, preferring live state over history.
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	for _, run := range s.daemon.Queue().ActiveRuns() {
		if run.ID == id {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rec, err := s.daemon.Store().Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancelRun cancels an actively executing run.
func (s *HTTPServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, run := range s.daemon.Queue().ActiveRuns() {
		if run.ID == id {
			run.Cancel()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": id})
			return
		}
	}
	writeError(w, http.StatusNotFound, "run is not active")
}
