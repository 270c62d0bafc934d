package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"pulse-backend/internal/engine"
	"pulse-backend/internal/store"
)

type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login
func (h *Handler) Login(c *fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return engine.InvalidArgumentError("invalid JSON body")
	}
	if req.Email == "" || req.Password == "" {
		return engine.InvalidArgumentError("email and password are required")
	}

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT id, tenant_id, password_hash, roles, active FROM _users WHERE email = %s", pb.Add(req.Email)),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.UnauthorizedError("Invalid credentials")
		}
		return fmt.Errorf("load user: %w", err)
	}
	if !rowBool(row["active"]) || !CheckPassword(req.Password, rowString(row["password_hash"])) {
		return engine.UnauthorizedError("Invalid credentials")
	}

	userID := rowString(row["id"])
	tenantID := rowString(row["tenant_id"])
	roles := rowRoles(row["roles"])

	pair, err := h.issueTokens(c, userID, tenantID, roles)
	if err != nil {
		return err
	}
	return c.JSON(pair)
}

// Refresh handles POST /api/auth/refresh
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return engine.InvalidArgumentError("refresh_token is required")
	}

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf(`SELECT rt.id, rt.user_id, rt.expires_at, u.tenant_id, u.roles
		 FROM _refresh_tokens rt JOIN _users u ON u.id = rt.user_id
		 WHERE rt.token = %s`, pb.Add(req.RefreshToken)),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.UnauthorizedError("Invalid refresh token")
		}
		return fmt.Errorf("load refresh token: %w", err)
	}

	if exp := rowTime(row["expires_at"]); exp == nil || exp.Before(time.Now()) {
		return engine.UnauthorizedError("Refresh token expired")
	}

	// Rotate: the old token is single-use.
	pb = h.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE id = %s", pb.Add(rowString(row["id"]))),
		pb.Params()...); err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}

	pair, err := h.issueTokens(c, rowString(row["user_id"]), rowString(row["tenant_id"]), rowRoles(row["roles"]))
	if err != nil {
		return err
	}
	return c.JSON(pair)
}

func (h *Handler) issueTokens(c *fiber.Ctx, userID, tenantID string, roles []string) (*TokenPair, error) {
	access, err := GenerateAccessToken(userID, tenantID, roles, h.jwtSecret)
	if err != nil {
		return nil, err
	}

	refresh := GenerateRefreshToken()
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf(`INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES (%s, %s, %s, %s)`,
			pb.Add(GenerateRefreshToken()), pb.Add(userID), pb.Add(refresh),
			pb.Add(time.Now().UTC().Add(RefreshTokenTTL))),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// RegisterRoutes mounts the auth endpoints (no auth middleware).
func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Post("/api/auth/login", h.Login)
	app.Post("/api/auth/refresh", h.Refresh)
}

// Row coercion for the two drivers (SQLite booleans are int64, roles are a
// JSON string either way).

func rowString(v any) string {
	s, _ := v.(string)
	return s
}

func rowBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	default:
		return false
	}
}

func rowTime(v any) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}

func rowRoles(v any) []string {
	var roles []string
	if s, ok := v.(string); ok {
		json.Unmarshal([]byte(s), &roles)
	}
	return roles
}
