package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lumadesk/operator/internal/auth"
	"github.com/lumadesk/operator/internal/config"
)

// AuthHandler issues and refreshes operator session tokens. Credentials are
// checked against the single operator account from config.
type AuthHandler struct {
	operator  config.OperatorConfig
	jwtSecret string
	expiresIn time.Duration
	logger    *slog.Logger
}

type loginPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token      string `json:"token"`
	ExpiresAt  int64  `json:"expires_at"`
	OperatorID string `json:"operator_id"`
}

func NewAuthHandler(log *slog.Logger, operator config.OperatorConfig, jwtSecret string, expiresIn time.Duration) *AuthHandler {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &AuthHandler{
		operator:  operator,
		jwtSecret: jwtSecret,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "auth")),
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
	e.POST("/auth/refresh", h.Refresh)
}

func (h *AuthHandler) Login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return err
	}

	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(payload.Username)), []byte(h.operator.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(payload.Password), []byte(h.operator.Password)) == 1
	if !userOK || !passOK {
		h.logger.Warn("login rejected", slog.String("username", strings.TrimSpace(payload.Username)))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	operatorID := h.operator.ID
	if operatorID == "" {
		operatorID = h.operator.Username
	}
	signed, expiresAt, err := auth.GenerateToken(operatorID, h.jwtSecret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("operator logged in", slog.String("operator_id", operatorID))
	return c.JSON(http.StatusOK, tokenResponse{
		Token:      signed,
		ExpiresAt:  expiresAt.Unix(),
		OperatorID: operatorID,
	})
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	signed, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.expiresIn)
	if err != nil {
		return err
	}
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenResponse{
		Token:      signed,
		ExpiresAt:  expiresAt.Unix(),
		OperatorID: operatorID,
	})
}
