package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lumadesk/operator/internal/realtime"
)

// RealtimeHandler reports the push connection's health and the channel
// pairing code when relinking is needed.
type RealtimeHandler struct {
	conn   *realtime.Conn
	router *realtime.Router
	logger *slog.Logger
}

func NewRealtimeHandler(log *slog.Logger, conn *realtime.Conn, router *realtime.Router) *RealtimeHandler {
	return &RealtimeHandler{
		conn:   conn,
		router: router,
		logger: log.With(slog.String("handler", "realtime")),
	}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/realtime/status", h.Status)
	e.GET("/inbox/pairing/code", h.PairingCode)
	e.DELETE("/inbox/pairing/code", h.DismissPairingCode)
}

func (h *RealtimeHandler) Status(c echo.Context) error {
	state := realtime.StateDisconnected
	lastErr := ""
	if h.conn != nil {
		state = h.conn.State()
		lastErr = h.conn.LastError()
	}
	body := map[string]any{"state": state}
	if lastErr != "" {
		body["last_error"] = lastErr
	}
	return c.JSON(http.StatusOK, body)
}

func (h *RealtimeHandler) PairingCode(c echo.Context) error {
	code := ""
	if h.router != nil {
		code = h.router.PairingCode()
	}
	if code == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no pairing code available")
	}
	return c.JSON(http.StatusOK, map[string]string{"code": code})
}

// DismissPairingCode drops the cached code once the operator has linked the
// channel.
func (h *RealtimeHandler) DismissPairingCode(c echo.Context) error {
	if h.router != nil {
		h.router.ClearPairingCode()
	}
	return c.NoContent(http.StatusNoContent)
}
