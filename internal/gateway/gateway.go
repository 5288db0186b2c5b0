// Package gateway is the HTTP surface of the orchestrator: provider
// webhooks for inbound messages and call progress, plus the
// authenticated callbacks the call and generation subsystems deliver.
// Payloads are validated against JSON Schemas compiled at startup;
// anything that fails validation is dropped before it reaches a manager.
package gateway

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kaptinlin/jsonschema"

	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/channel"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
	"github.com/tannerdsouza/briefcall/internal/router"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// MessageRouter dispatches inbound provider messages.
type MessageRouter interface {
	Route(ctx context.Context, address, body string, attachments []string) (router.Action, error)
}

// SessionCallbacks is the slice of the briefing manager the callbacks
// drive.
type SessionCallbacks interface {
	NotifyUpcoming(ctx context.Context, sessionID string) error
	OnCallAnswered(ctx context.Context, sessionID string) error
	CompleteBriefing(ctx context.Context, sessionID, transcript string, fields briefing.ContextFields) error
	FailSession(ctx context.Context, sessionID, reason string) error
}

// ApprovalCallbacks is the slice of the approval manager the callbacks
// drive.
type ApprovalCallbacks interface {
	Create(ctx context.Context, ownerRef, artifactID, artifactRef, address string) (*models.ApprovalWorkflow, error)
	OnPostingComplete(ctx context.Context, workflowID string, succeeded bool) error
}

// SessionLookup resolves a session record; satisfied by briefing.Store.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// RoomToucher records room liveness from call progress events.
type RoomToucher interface {
	TouchActivity(ctx context.Context, roomID string)
}

// Gateway holds the compiled schemas and the managers it routes into.
type Gateway struct {
	routes  Routes
	secret  string
	logger  *slog.Logger
	schemas map[string]*jsonschema.Schema
}

// Routes are the collaborators the handlers forward to.
type Routes struct {
	Router    MessageRouter
	Sessions  SessionCallbacks
	Approvals ApprovalCallbacks
	Lookup    SessionLookup
	Rooms     RoomToucher
	Registry  *registry.Registry
}

// New compiles the callback schemas and returns a ready Gateway.
func New(routes Routes, callbackSecret string, logger *slog.Logger) (*Gateway, error) {
	names := []string{
		"message", "call_status", "session_event",
		"content_ready", "posting_complete", "complete",
	}

	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		schemas[name] = schema
	}

	return &Gateway{
		routes:  routes,
		secret:  callbackSecret,
		logger:  logger,
		schemas: schemas,
	}, nil
}

// Register mounts the webhook and callback routes. Every route sits
// behind the shared-secret check.
func (g *Gateway) Register(r *gin.Engine) {
	authed := r.Group("/", g.requireSecret())

	authed.POST("/webhooks/message", g.handleMessage)
	authed.POST("/webhooks/call-status", g.handleCallStatus)

	authed.POST("/callbacks/pre-notify", g.handlePreNotify)
	authed.POST("/callbacks/start-briefing", g.handleStartBriefing)
	authed.POST("/callbacks/content-ready", g.handleContentReady)
	authed.POST("/callbacks/posting-complete", g.handlePostingComplete)
	authed.POST("/callbacks/complete", g.handleComplete)
}

// requireSecret rejects any request whose X-Callback-Secret header does
// not match. Rejection happens before any payload is read; no state
// mutates on a mismatch.
func (g *Gateway) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Callback-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(g.secret)) != 1 {
			g.logger.Warn("Callback secret mismatch", "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// bindValidated reads the body, validates it against the named schema
// and unmarshals it into out. Schema failures come back as
// ValidationError.
func (g *Gateway) bindValidated(c *gin.Context, schemaName string, out any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return &orcherr.ValidationError{Reason: "unreadable body"}
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &orcherr.ValidationError{Reason: "malformed JSON"}
	}

	result := g.schemas[schemaName].Validate(doc)
	if !result.IsValid() {
		var errorMessages []string
		for field, evalErr := range result.Errors {
			errorMessages = append(errorMessages, fmt.Sprintf("%s: %s", field, evalErr.Error()))
		}
		return &orcherr.ValidationError{Reason: strings.Join(errorMessages, "; ")}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &orcherr.ValidationError{Reason: "payload shape mismatch"}
	}
	return nil
}

func (g *Gateway) handleMessage(c *gin.Context) {
	var payload channel.Message
	if err := g.bindValidated(c, "message", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	action, err := g.routes.Router.Route(c.Request.Context(), payload.From, payload.Body, payload.Attachments)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": string(action.Kind)})
}

func (g *Gateway) handleCallStatus(c *gin.Context) {
	var payload channel.CallStatusEvent
	if err := g.bindValidated(c, "call_status", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	ctx := c.Request.Context()

	// Any progress on a live call counts as room activity.
	if payload.State == channel.CallStateAnswered || payload.State == channel.CallStateEnded {
		if roomID, ok := g.routes.Registry.Room(payload.SessionID); ok {
			g.routes.Rooms.TouchActivity(ctx, roomID)
		}
	}

	var err error
	switch payload.State {
	case channel.CallStateRinging:
		// Progress only; nothing to transition.
	case channel.CallStateAnswered:
		err = g.routes.Sessions.OnCallAnswered(ctx, payload.SessionID)
	case channel.CallStateNoAnswer:
		err = g.routes.Sessions.FailSession(ctx, payload.SessionID, "call not answered")
	case channel.CallStateFailed:
		err = g.routes.Sessions.FailSession(ctx, payload.SessionID, "call failed")
	case channel.CallStateEnded:
		// Normal completion arrives through the complete callback with
		// the captured context; an ended event alone is progress only.
	default:
		err = &orcherr.ValidationError{Reason: "unknown call state"}
	}
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handlePreNotify(c *gin.Context) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := g.bindValidated(c, "session_event", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	if err := g.routes.Sessions.NotifyUpcoming(c.Request.Context(), payload.SessionID); err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleStartBriefing(c *gin.Context) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := g.bindValidated(c, "session_event", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	if err := g.routes.Sessions.OnCallAnswered(c.Request.Context(), payload.SessionID); err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleContentReady(c *gin.Context) {
	var payload struct {
		SessionID   string `json:"session_id"`
		ArtifactID  string `json:"artifact_id"`
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := g.bindValidated(c, "content_ready", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	session, err := g.routes.Lookup.Get(ctx, payload.SessionID)
	if err != nil {
		g.respondError(c, err)
		return
	}

	wf, err := g.routes.Approvals.Create(ctx, session.OwnerRef, payload.ArtifactID, payload.ArtifactRef, session.Address)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": wf.ID})
}

func (g *Gateway) handlePostingComplete(c *gin.Context) {
	var payload struct {
		WorkflowID string `json:"workflow_id"`
		Succeeded  bool   `json:"succeeded"`
		Detail     string `json:"detail"`
	}
	if err := g.bindValidated(c, "posting_complete", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	if err := g.routes.Approvals.OnPostingComplete(c.Request.Context(), payload.WorkflowID, payload.Succeeded); err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleComplete is the generic completion callback; the declared status
// picks the manager operation.
func (g *Gateway) handleComplete(c *gin.Context) {
	var payload struct {
		SessionID string          `json:"sessionId"`
		Status    string          `json:"status"`
		Timestamp string          `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := g.bindValidated(c, "complete", &payload); err != nil {
		g.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	var err error
	switch payload.Status {
	case "completed":
		var captured struct {
			Transcript    string          `json:"transcript"`
			Narrative     string          `json:"narrative"`
			Audience      string          `json:"audience"`
			Mood          string          `json:"mood"`
			PlatformPrefs json.RawMessage `json:"platform_prefs"`
			Urgency       string          `json:"urgency"`
			Tone          string          `json:"tone"`
		}
		if len(payload.Payload) > 0 {
			if jsonErr := json.Unmarshal(payload.Payload, &captured); jsonErr != nil {
				g.respondError(c, &orcherr.ValidationError{Reason: "malformed completion payload"})
				return
			}
		}
		err = g.routes.Sessions.CompleteBriefing(ctx, payload.SessionID, captured.Transcript, briefing.ContextFields{
			Narrative:     captured.Narrative,
			Audience:      captured.Audience,
			Mood:          captured.Mood,
			PlatformPrefs: captured.PlatformPrefs,
			Urgency:       captured.Urgency,
			Tone:          captured.Tone,
		})
	case "failed":
		var failure struct {
			Reason string `json:"reason"`
		}
		if len(payload.Payload) > 0 {
			_ = json.Unmarshal(payload.Payload, &failure)
		}
		if failure.Reason == "" {
			failure.Reason = "reported failed by provider"
		}
		err = g.routes.Sessions.FailSession(ctx, payload.SessionID, failure.Reason)
	default:
		err = &orcherr.ValidationError{Reason: "unknown completion status " + payload.Status}
	}
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the error taxonomy to HTTP statuses. Conflicts come
// from redelivered callbacks and answer 200, so the sender stops
// retrying an event that already happened.
func (g *Gateway) respondError(c *gin.Context, err error) {
	var ve *orcherr.ValidationError
	var ae *orcherr.AuthError
	var xe *orcherr.ExpiredError
	switch {
	case errors.As(err, &ve):
		g.logger.Warn("Dropped invalid payload", "path", c.FullPath(), "reason", ve.Reason)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	case errors.As(err, &ae):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case orcherr.IsConflict(err):
		g.logger.Info("Ignored out-of-order callback", "path", c.FullPath(), "error", err.Error())
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case orcherr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &xe):
		c.JSON(http.StatusGone, gin.H{"error": "expired"})
	case orcherr.IsExternal(err):
		g.logger.Error("Downstream service unavailable", "path", c.FullPath(), "error", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
	default:
		g.logger.Error("Handler failed", "path", c.FullPath(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
