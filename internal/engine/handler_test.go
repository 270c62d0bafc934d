package engine

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

// testApp wires the routes with a stub auth middleware so validation paths
// can be exercised without a database.
func testApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(ErrorResponse{
				Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
			})
		},
	})
	authMW := func(c *fiber.Ctx) error {
		c.Locals("user", &UserContext{ID: "u1", TenantID: "t1", Roles: []string{"admin"}})
		return c.Next()
	}
	RegisterRoutes(app, h, authMW)
	return app
}

func newTestHandler() *Handler {
	dispatcher := NewDispatcher(nil, nil, time.Second, 10, 3)
	ingestor := NewIngestor(nil, nil, dispatcher, nil)
	monitor := NewMonitor(nil, 180*time.Second, time.Minute)
	return NewHandler(nil, ingestor, dispatcher, monitor)
}

func decodeError(t *testing.T, body []byte) *AppError {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, body)
	}
	if resp.Error == nil {
		t.Fatalf("expected error envelope, got %s", body)
	}
	return resp.Error
}

func TestHeartbeat_MissingInstanceID(t *testing.T) {
	app := testApp(newTestHandler())

	req := httptest.NewRequest("POST", "/api/heartbeat", strings.NewReader(`{"status":"connected"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	appErr := decodeError(t, body[:n])
	if appErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", appErr.Code)
	}
}

func TestHeartbeat_MalformedBody(t *testing.T) {
	app := testApp(newTestHandler())

	req := httptest.NewRequest("POST", "/api/heartbeat", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDispatch_MissingFields(t *testing.T) {
	app := testApp(newTestHandler())

	cases := []struct {
		name string
		body string
	}{
		{"no event", `{"instanceId":"i1","userId":"t1"}`},
		{"no instanceId", `{"event":"connected","userId":"t1"}`},
		{"no userId", `{"event":"connected","instanceId":"i1"}`},
	}
	for _, c := range cases {
		req := httptest.NewRequest("POST", "/api/webhooks/dispatch", strings.NewReader(c.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: request: %v", c.name, err)
		}
		if resp.StatusCode != 400 {
			t.Fatalf("%s: expected 400, got %d", c.name, resp.StatusCode)
		}
	}
}

func TestInstanceStatus_CachedInstance(t *testing.T) {
	h := newTestHandler()
	now := time.Now().UTC()
	hb := now.Add(-5 * time.Second)
	h.monitor.SetSnapshot(&Instance{
		ID:              "i1",
		TenantID:        "t1",
		EffectiveStatus: "connected",
		LastHeartbeat:   &hb,
	})
	app := testApp(h)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/instances/i1/status", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status InstanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "connected" || status.IsStale {
		t.Fatalf("unexpected projection: %+v", status)
	}
}

func TestAllInstanceStatuses_Empty(t *testing.T) {
	app := testApp(newTestHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/api/instances/status", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
