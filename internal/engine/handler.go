package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"pulse-backend/internal/store"
)

type Handler struct {
	store      *store.Store
	ingestor   *Ingestor
	dispatcher *Dispatcher
	monitor    *Monitor
}

func NewHandler(s *store.Store, ingestor *Ingestor, dispatcher *Dispatcher, monitor *Monitor) *Handler {
	return &Handler{store: s, ingestor: ingestor, dispatcher: dispatcher, monitor: monitor}
}

// Heartbeat handles POST /api/heartbeat
func (h *Handler) Heartbeat(c *fiber.Ctx) error {
	var req HeartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return InvalidArgumentError("invalid JSON body")
	}

	result, err := h.ingestor.Ingest(c.Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Dispatch handles POST /api/webhooks/dispatch
func (h *Handler) Dispatch(c *fiber.Ctx) error {
	var req struct {
		Event      string         `json:"event"`
		InstanceID string         `json:"instanceId"`
		UserID     string         `json:"userId"`
		Data       map[string]any `json:"data"`
	}
	if err := c.BodyParser(&req); err != nil {
		return InvalidArgumentError("invalid JSON body")
	}

	summary, err := h.dispatcher.Dispatch(c.Context(), req.Event, req.InstanceID, req.UserID, req.Data)
	if err != nil {
		return err
	}

	// Per-delivery failures are data, not an error code: a non-200 here
	// would invite caller retries and duplicate dispatches.
	return c.JSON(fiber.Map{
		"success":    true,
		"dispatched": summary.Dispatched,
		"results":    summary.Results,
	})
}

// InstanceStatus handles GET /api/instances/:id/status
func (h *Handler) InstanceStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	status, err := h.monitor.Status(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("instance", id)
		}
		return fmt.Errorf("instance status %s: %w", id, err)
	}
	return c.JSON(status)
}

// AllInstanceStatuses handles GET /api/instances/status
func (h *Handler) AllInstanceStatuses(c *fiber.Ctx) error {
	statuses := h.monitor.AllStatuses()
	return c.JSON(fiber.Map{"data": statuses})
}

// CreateInstance handles POST /api/instances. Provisioning proper lives
// outside this engine; this is the thin surface it calls.
func (h *Handler) CreateInstance(c *fiber.Ctx) error {
	user := getUser(c)

	var req struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.BodyParser(&req); err != nil {
		return InvalidArgumentError("invalid JSON body")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	inst := &Instance{
		ID:              req.ID,
		TenantID:        user.TenantID,
		Name:            req.Name,
		EffectiveStatus: StatusDisconnected,
		PhoneNumber:     req.PhoneNumber,
	}
	if err := insertInstance(c.Context(), h.store, inst); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return NewAppError("ALREADY_EXISTS", 409, fmt.Sprintf("instance %s already exists", req.ID))
		}
		return fmt.Errorf("create instance: %w", err)
	}
	h.monitor.SetSnapshot(inst)
	return c.Status(201).JSON(fiber.Map{"data": inst})
}

// ListInstances handles GET /api/instances
func (h *Handler) ListInstances(c *fiber.Ctx) error {
	user := getUser(c)
	pb := h.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _instances WHERE tenant_id = %s ORDER BY id", instanceColumns, pb.Add(user.TenantID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	instances := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		instances = append(instances, instanceFromRow(row))
	}
	return c.JSON(fiber.Map{"data": instances})
}

type webhookBody struct {
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	Events    []string `json:"events"`
	Condition string   `json:"condition"`
	IsActive  *bool    `json:"is_active"`
}

// CreateWebhook handles POST /api/webhooks
func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	user := getUser(c)

	var req webhookBody
	if err := c.BodyParser(&req); err != nil {
		return InvalidArgumentError("invalid JSON body")
	}
	if req.URL == "" {
		return InvalidArgumentError("url is required")
	}
	if len(req.Events) == 0 {
		return InvalidArgumentError("events is required")
	}

	id := uuid.New().String()
	eventsJSON, _ := json.Marshal(req.Events)
	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf(`INSERT INTO _webhooks (id, tenant_id, url, secret, events, condition)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(id), pb.Add(user.TenantID), pb.Add(req.URL), pb.Add(req.Secret),
			pb.Add(string(eventsJSON)), pb.Add(req.Condition)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}

	sub, err := fetchSubscription(c.Context(), h.store, id)
	if err != nil {
		return fmt.Errorf("reload webhook: %w", err)
	}
	return c.Status(201).JSON(fiber.Map{"data": sub})
}

// ListWebhooks handles GET /api/webhooks
func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	user := getUser(c)
	pb := h.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _webhooks WHERE tenant_id = %s ORDER BY created_at", subscriptionColumns, pb.Add(user.TenantID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	subs := make([]*WebhookSubscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, subscriptionFromRow(row))
	}
	return c.JSON(fiber.Map{"data": subs})
}

// UpdateWebhook handles PUT /api/webhooks/:id. Setting is_active back to
// true is the external reactivation path: it also clears failure_count so
// the circuit breaker starts fresh.
func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	user := getUser(c)
	id := c.Params("id")

	sub, err := h.tenantWebhook(c, user, id)
	if err != nil {
		return err
	}

	var req webhookBody
	if err := c.BodyParser(&req); err != nil {
		return InvalidArgumentError("invalid JSON body")
	}

	pb := h.store.Dialect.NewParamBuilder()
	set := fmt.Sprintf("updated_at = %s", pb.Add(time.Now().UTC()))
	if req.URL != "" {
		set += fmt.Sprintf(", url = %s", pb.Add(req.URL))
	}
	if req.Secret != "" {
		set += fmt.Sprintf(", secret = %s", pb.Add(req.Secret))
	}
	if req.Events != nil {
		eventsJSON, _ := json.Marshal(req.Events)
		set += fmt.Sprintf(", events = %s", pb.Add(string(eventsJSON)))
	}
	if req.Condition != "" {
		set += fmt.Sprintf(", condition = %s", pb.Add(req.Condition))
	}
	if req.IsActive != nil {
		set += fmt.Sprintf(", is_active = %s", pb.Add(*req.IsActive))
		if *req.IsActive {
			set += ", failure_count = 0"
		}
	}

	if _, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _webhooks SET %s WHERE id = %s", set, pb.Add(sub.ID)),
		pb.Params()...); err != nil {
		return fmt.Errorf("update webhook %s: %w", id, err)
	}

	sub, err = fetchSubscription(c.Context(), h.store, id)
	if err != nil {
		return fmt.Errorf("reload webhook: %w", err)
	}
	return c.JSON(fiber.Map{"data": sub})
}

// DeleteWebhook handles DELETE /api/webhooks/:id
func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	user := getUser(c)
	id := c.Params("id")

	sub, err := h.tenantWebhook(c, user, id)
	if err != nil {
		return err
	}

	pb := h.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _webhooks WHERE id = %s", pb.Add(sub.ID)),
		pb.Params()...); err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, err)
	}
	return c.JSON(fiber.Map{"deleted": true})
}

func (h *Handler) tenantWebhook(c *fiber.Ctx, user *UserContext, id string) (*WebhookSubscription, error) {
	sub, err := fetchSubscription(c.Context(), h.store, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("webhook", id)
		}
		return nil, fmt.Errorf("load webhook %s: %w", id, err)
	}
	if sub.TenantID != user.TenantID && !user.IsAdmin() {
		return nil, ForbiddenError("webhook belongs to another tenant")
	}
	return sub, nil
}
