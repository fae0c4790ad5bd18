package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lumadesk/operator/internal/backend"
	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/media"
	"github.com/lumadesk/operator/internal/session"
	"github.com/lumadesk/operator/internal/takeover"
)

// InboxHandler exposes the operator console API over the session controller.
type InboxHandler struct {
	session *session.Controller
	logger  *slog.Logger
}

type sendPayload struct {
	Text string `json:"text" validate:"required"`
}

type takeoverPayload struct {
	Force bool `json:"force,omitempty"`
}

type stagePayload struct {
	Payload string `json:"payload" validate:"required"`
	Mime    string `json:"mime" validate:"required"`
	Caption string `json:"caption,omitempty"`
	Name    string `json:"name,omitempty"`
}

type threadResponse struct {
	Thread inbox.Thread `json:"thread"`
	Title  string       `json:"title"`
}

func NewInboxHandler(log *slog.Logger, controller *session.Controller) *InboxHandler {
	return &InboxHandler{
		session: controller,
		logger:  log.With(slog.String("handler", "inbox")),
	}
}

func (h *InboxHandler) Register(e *echo.Echo) {
	group := e.Group("/inbox")
	group.GET("/threads", h.ListThreads)
	group.POST("/threads/refresh", h.RefreshThreads)
	group.POST("/threads/:contact_id/open", h.OpenThread)
	group.GET("/threads/:contact_id/messages", h.Messages)
	group.POST("/threads/:contact_id/messages/older", h.LoadOlder)
	group.POST("/threads/:contact_id/send", h.SendText)
	group.POST("/threads/:contact_id/read", h.MarkRead)
	group.POST("/threads/:contact_id/takeover", h.Takeover)
	group.POST("/attachments", h.StageAttachment)
	group.POST("/attachments/upload", h.UploadAttachment)
	group.DELETE("/attachments", h.DiscardAttachment)
	group.POST("/attachments/send", h.SendAttachment)
}

func (h *InboxHandler) ListThreads(c echo.Context) error {
	threads, err := h.session.Threads(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	out := make([]threadResponse, len(threads))
	for i, t := range threads {
		out[i] = threadResponse{Thread: t, Title: t.Title()}
	}
	return c.JSON(http.StatusOK, map[string]any{"threads": out})
}

func (h *InboxHandler) RefreshThreads(c echo.Context) error {
	if err := h.session.Refresh(c.Request().Context()); err != nil {
		return mapSessionError(err)
	}
	return h.ListThreads(c)
}

func (h *InboxHandler) OpenThread(c echo.Context) error {
	contactID := strings.TrimSpace(c.Param("contact_id"))
	if contactID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact_id is required")
	}
	thread, err := h.session.OpenThread(c.Request().Context(), contactID)
	if err != nil && !errors.Is(err, session.ErrStale) {
		return mapSessionError(err)
	}
	msgs, merr := h.session.Messages(c.Request().Context())
	if merr != nil {
		return mapSessionError(merr)
	}
	canSend, _ := h.session.CanSend(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"thread":   thread,
		"title":    thread.Title(),
		"messages": msgs,
		"can_send": canSend,
	})
}

func (h *InboxHandler) Messages(c echo.Context) error {
	if err := h.requireOpen(c, c.Param("contact_id")); err != nil {
		return err
	}
	msgs, err := h.session.Messages(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (h *InboxHandler) LoadOlder(c echo.Context) error {
	if err := h.requireOpen(c, c.Param("contact_id")); err != nil {
		return err
	}
	added, err := h.session.LoadOlder(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	msgs, merr := h.session.Messages(c.Request().Context())
	if merr != nil {
		return mapSessionError(merr)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"added":    added,
		"messages": msgs,
	})
}

func (h *InboxHandler) SendText(c echo.Context) error {
	if err := h.requireOpen(c, c.Param("contact_id")); err != nil {
		return err
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return err
	}
	msg, err := h.session.SendText(c.Request().Context(), payload.Text)
	if err != nil {
		// The optimistic entry stays in the transcript even when delivery
		// fails; the client re-renders it from the next Messages call.
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"message": msg})
}

func (h *InboxHandler) MarkRead(c echo.Context) error {
	if err := h.requireOpen(c, c.Param("contact_id")); err != nil {
		return err
	}
	thread, err := h.session.MarkRead(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"thread": thread})
}

func (h *InboxHandler) Takeover(c echo.Context) error {
	if err := h.requireOpen(c, c.Param("contact_id")); err != nil {
		return err
	}
	var payload takeoverPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	thread, err := h.session.ToggleTakeover(c.Request().Context(), payload.Force)
	if err != nil {
		return mapSessionError(err)
	}
	canSend, _ := h.session.CanSend(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"thread":   thread,
		"can_send": canSend,
	})
}

func (h *InboxHandler) StageAttachment(c echo.Context) error {
	var payload stagePayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return err
	}
	kind, ok := media.KindForMime(payload.Mime)
	if !ok {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported mime type")
	}
	att := media.PendingAttachment{
		Kind:    kind,
		Payload: payload.Payload,
		Mime:    strings.ToLower(strings.TrimSpace(payload.Mime)),
		Caption: payload.Caption,
		Name:    payload.Name,
	}
	if err := h.session.StageAttachment(c.Request().Context(), att); err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"kind": kind,
		"mime": att.Mime,
	})
}

// UploadAttachment stages raw multipart file content, encoding it on the way
// in. The JSON stage route is for clients that already hold an encoded
// payload; this one takes the file itself.
func (h *InboxHandler) UploadAttachment(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file part is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	mime := c.FormValue("mime")
	if mime == "" {
		mime = file.Header.Get("Content-Type")
	}
	att, err := media.NewPending(src, mime, file.Filename, c.FormValue("caption"))
	switch {
	case errors.Is(err, media.ErrUnsupportedMime):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, media.ErrPayloadTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.session.StageAttachment(c.Request().Context(), att); err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"kind": att.Kind,
		"mime": att.Mime,
		"name": att.Name,
	})
}

func (h *InboxHandler) DiscardAttachment(c echo.Context) error {
	if err := h.session.DiscardAttachment(c.Request().Context()); err != nil {
		return mapSessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *InboxHandler) SendAttachment(c echo.Context) error {
	msg, err := h.session.SendAttachment(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"message": msg})
}

// requireOpen ensures the routed contact is the session's open thread, so
// per-thread operations cannot silently act on a different conversation.
func (h *InboxHandler) requireOpen(c echo.Context, contactID string) error {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact_id is required")
	}
	current, ok, err := h.session.CurrentThread(c.Request().Context())
	if err != nil {
		return mapSessionError(err)
	}
	if !ok || current.ContactID != contactID {
		return echo.NewHTTPError(http.StatusConflict, "thread is not open")
	}
	return nil
}

func mapSessionError(err error) error {
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, takeover.ErrReadOnly), errors.Is(err, takeover.ErrNotHolder):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoThread):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoAttachment):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStale):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &statusErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
