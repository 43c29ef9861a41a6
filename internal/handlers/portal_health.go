package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/bridgewayai/b24bridge/internal/account"
)

type PortalProber interface {
	Health(ctx context.Context) bool
}

// PortalHealthHandler probes a configured portal's REST credentials.
type PortalHealthHandler struct {
	logger   *slog.Logger
	accounts account.Resolver
	newProbe func(acct account.Account) PortalProber
}

func NewPortalHealthHandler(log *slog.Logger, accounts account.Resolver, newProbe func(acct account.Account) PortalProber) *PortalHealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PortalHealthHandler{
		logger:   log.With(slog.String("handler", "portal_health")),
		accounts: accounts,
		newProbe: newProbe,
	}
}

func (h *PortalHealthHandler) Register(e *echo.Echo) {
	e.GET("/health/portal", h.Check)
	e.GET("/health/portal/:account_id", h.Check)
}

func (h *PortalHealthHandler) Check(c echo.Context) error {
	if h.accounts == nil || h.newProbe == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal error"})
	}
	accountID := strings.TrimSpace(c.Param("account_id"))
	acct, err := h.accounts.Resolve(c.Request().Context(), accountID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
	}
	if !acct.Configured() {
		return c.JSON(http.StatusOK, map[string]any{"account": acct.ID, "ok": false})
	}
	ok := h.newProbe(acct).Health(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"account": acct.ID, "ok": ok})
}
