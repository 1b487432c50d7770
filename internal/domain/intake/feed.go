package intake

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/websocket"
)

// EventPhaseChanged is the feed event type sent on every phase transition.
const EventPhaseChanged = "intake.phase"

// PhaseListener is told when a session's submission phase changes.
type PhaseListener interface {
	PhaseChanged(sessionID uuid.UUID, phase Phase)
}

// PhaseMessage is the data of an EventPhaseChanged event.
type PhaseMessage struct {
	SessionID uuid.UUID `json:"session_id"`
	Phase     Phase     `json:"phase"`
	CanSubmit bool      `json:"can_submit"`
}

// PhaseFeed broadcasts phase changes to browsers following a session.
type PhaseFeed struct {
	hub *websocket.Hub
}

// NewPhaseFeed creates a feed on hub. Topics are session IDs.
func NewPhaseFeed(hub *websocket.Hub) *PhaseFeed {
	return &PhaseFeed{hub: hub}
}

func (f *PhaseFeed) PhaseChanged(sessionID uuid.UUID, phase Phase) {
	data, _ := json.Marshal(PhaseMessage{
		SessionID: sessionID,
		Phase:     phase,
		CanSubmit: phase == PhaseEditing,
	})
	f.hub.Broadcast(sessionID.String(), websocket.Event{Type: EventPhaseChanged, Data: data})
}

// Followers returns the number of open feed connections.
func (f *PhaseFeed) Followers() int { return f.hub.ClientCount() }

// RegisterFeed registers the WebSocket phase feed. A feed stays open for the
// life of the page, so g should not pin per-request resources such as a
// clinic connection. Browser pages must be served from allowedOrigins.
func (h *Handler) RegisterFeed(g *echo.Group, feed *PhaseFeed, allowedOrigins ...string) {
	g.GET("/intake/sessions/:id/feed", websocket.Handler(feed.hub, h.feedTopic, allowedOrigins...),
		auth.RequireRole("front_desk", "nurse", "physician"))
}

// feedTopic subscribes to an existing session only.
func (h *Handler) feedTopic(c echo.Context) (string, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.svc.Get(c.Request().Context(), id); err != nil {
		return "", toHTTPError(err)
	}
	return id.String(), nil
}
