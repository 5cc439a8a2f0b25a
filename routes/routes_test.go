package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	controller "athletereach/controllers"
	"athletereach/config"
	"athletereach/models"
	"athletereach/outreach"
	"athletereach/utils"
)

const webhookSecret = "hook-secret"

type fakeAdapter struct {
	mu      sync.Mutex
	fail    string
	sent    int
	inbound []outreach.InboundDescriptor
}

func (a *fakeAdapter) Deliver(_ context.Context, msg *models.Message) (outreach.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != "" {
		return outreach.DeliveryResult{}, errors.New(a.fail)
	}
	a.sent++
	return outreach.DeliveryResult{
		ProviderMessageID: fmt.Sprintf("prov-%d", msg.ID),
		ThreadID:          fmt.Sprintf("thread-%d", msg.ID),
	}, nil
}

func (a *fakeAdapter) PollInbox(context.Context, uint, time.Time) ([]outreach.InboundDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inbound, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Ignored bool            `json:"ignored"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	t       *testing.T
	app     *fiber.App
	db      *gorm.DB
	token   string
	adapter *fakeAdapter
	hub     *controller.EventHub
	coach   *models.Recipient
}

func newHarness(t *testing.T, sendLimit int) *harness {
	t.Helper()

	prevDB, prevCfg := config.DB, config.AppConfig
	t.Cleanup(func() { config.DB, config.AppConfig = prevDB, prevCfg })

	dsn := filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.Migrate(db))

	config.DB = db
	config.AppConfig = config.Config{
		Environment:    "test",
		EncryptionKey:  "0123456789abcdef0123456789abcdef",
		JWTSecret:      "routes-secret",
		AllowedOrigins: []string{"http://localhost:3000"},
		WebhookSecret:  webhookSecret,
		SendRateLimit:  sendLimit,
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	adapter := &fakeAdapter{}
	hub := controller.NewEventHub(log)
	lc := outreach.NewLifecycle(db, nil, adapter, outreach.Options{
		Logger: log,
		Events: hub,
		Config: outreach.Config{DeliveryTimeout: 5 * time.Second},
	})

	app := fiber.New()
	Setup(app, Dependencies{DB: db, Lifecycle: lc, Hub: hub, Config: &config.AppConfig})

	user := &models.User{Email: "athlete@example.com", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	token, err := utils.GenerateAccessToken(user, time.Hour)
	require.NoError(t, err)

	coach := &models.Recipient{Name: "Jane Doe", Organization: "State University", Email: "coach@state.edu", Sport: "soccer", Division: "D1"}
	require.NoError(t, db.Create(coach).Error)

	return &harness{t: t, app: app, db: db, token: token, adapter: adapter, hub: hub, coach: coach}
}

func (h *harness) request(method, path string, body interface{}, headers map[string]string) (*http.Response, apiResponse) {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.app.Test(req, -1)
	require.NoError(h.t, err)

	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if resp.Header.Get("Content-Type") == fiber.MIMEApplicationJSON {
		require.NoError(h.t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (h *harness) do(method, path string, body interface{}) (int, apiResponse) {
	h.t.Helper()
	resp, out := h.request(method, path, body, map[string]string{"Authorization": "Bearer " + h.token})
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (h *harness) send(body fiber.Map) (int, apiResponse, models.Message) {
	h.t.Helper()
	status, out := h.do(http.MethodPost, "/api/v1/messages", body)
	var msg models.Message
	if len(out.Data) > 0 {
		msg = decode[models.Message](h.t, out.Data)
	}
	return status, out, msg
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 100)
	resp, _ := h.request(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMessagesRequireAuth(t *testing.T) {
	h := newHarness(t, 100)
	resp, _ := h.request(http.MethodPost, "/api/v1/messages", fiber.Map{"recipient_id": h.coach.ID}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendWithFollowUp(t *testing.T) {
	h := newHarness(t, 100)
	events, unsubscribe := h.hub.Subscribe(1)
	defer unsubscribe()

	status, out, msg := h.send(fiber.Map{
		"recipient_id": h.coach.ID,
		"subject":      "Class of 2026 midfielder",
		"body":         "Hi Coach Doe, here is my film.",
		"follow_up":    fiber.Map{"days": 3},
	})
	require.Equal(t, http.StatusCreated, status, out.Error)
	assert.Equal(t, models.StatusSent, msg.Status)
	require.NotNil(t, msg.ProviderMessageID)

	var fu models.Message
	require.NoError(t, h.db.Where("parent_message_id = ?", msg.ID).First(&fu).Error)
	assert.Equal(t, models.StatusScheduled, fu.Status)
	assert.True(t, fu.IsFollowUp)

	select {
	case evt := <-events:
		assert.Equal(t, outreach.EventMessageSent, evt.Type)
		assert.Equal(t, msg.ID, evt.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	status, out = h.do(http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/cancel", fu.ID), fiber.Map{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, status, out.Error)
	cancelled := decode[models.Message](t, out.Data)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, "true", cancelled.Metadata[models.MetaCancelled])
	assert.Equal(t, "changed my mind", cancelled.Metadata[models.MetaCancelReason])

	status, _ = h.do(http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/cancel", msg.ID), nil)
	assert.Equal(t, http.StatusConflict, status, "a first-contact message is not a follow-up")
}

func TestSendValidationAndUnknownRecipient(t *testing.T) {
	h := newHarness(t, 100)

	status, out, _ := h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "Hi", "body": "x", "follow_up": fiber.Map{"days": 0}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out.Error, "days")

	status, _, _ = h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": " ", "body": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = h.send(fiber.Map{"recipient_id": 999, "subject": "Hi", "body": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSendFailureReportsProviderError(t *testing.T) {
	h := newHarness(t, 100)
	h.adapter.fail = "550 5.1.1 mailbox unavailable"

	status, out, msg := h.send(fiber.Map{
		"recipient_id": h.coach.ID,
		"subject":      "Hello",
		"body":         "Hi",
		"follow_up":    fiber.Map{"days": 3},
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "550 5.1.1 mailbox unavailable", out.Error)
	assert.Equal(t, models.StatusFailed, msg.Status)

	var count int64
	require.NoError(t, h.db.Model(&models.Message{}).Where("parent_message_id = ?", msg.ID).Count(&count).Error)
	assert.Zero(t, count, "no follow-up for a failed send")
}

func TestDraftLifecycle(t *testing.T) {
	h := newHarness(t, 100)

	status, out := h.do(http.MethodPost, "/api/v1/messages/draft", fiber.Map{"recipient_id": h.coach.ID, "subject": "Draft", "body": "wip"})
	require.Equal(t, http.StatusCreated, status, out.Error)
	draft := decode[models.Message](t, out.Data)
	assert.Equal(t, models.StatusDraft, draft.Status)

	status, out = h.do(http.MethodPut, fmt.Sprintf("/api/v1/messages/%d/send", draft.ID), nil)
	require.Equal(t, http.StatusOK, status, out.Error)
	assert.Equal(t, models.StatusSent, decode[models.Message](t, out.Data).Status)

	status, _ = h.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", draft.ID), nil)
	assert.Equal(t, http.StatusConflict, status, "sent messages are immutable")

	status, out = h.do(http.MethodPost, "/api/v1/messages/draft", fiber.Map{"recipient_id": h.coach.ID, "subject": "Another"})
	require.Equal(t, http.StatusCreated, status, out.Error)
	other := decode[models.Message](t, out.Data)

	status, _ = h.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", other.ID), nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", other.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(http.MethodDelete, "/api/v1/messages/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestImportAndHistory(t *testing.T) {
	h := newHarness(t, 100)

	_, _, sent := h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "Hello", "body": "Hi", "follow_up": fiber.Map{"days": 5}})

	batch := fiber.Map{"messages": []fiber.Map{{
		"from":      "Jane Doe <coach@state.edu>",
		"to":        "athlete@example.com",
		"subject":   "Re: Hello",
		"body":      "Let's talk.",
		"date":      "2025-01-03T15:00:00Z",
		"thread_id": fmt.Sprintf("thread-%d", sent.ID),
	}}}
	status, out := h.do(http.MethodPost, "/api/v1/messages/import", batch)
	require.Equal(t, http.StatusOK, status, out.Error)
	assert.Equal(t, outreach.ImportResult{Imported: 1}, decode[outreach.ImportResult](t, out.Data))

	status, out = h.do(http.MethodPost, "/api/v1/messages/import", batch)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, outreach.ImportResult{Duplicates: 1}, decode[outreach.ImportResult](t, out.Data))

	var fu models.Message
	require.NoError(t, h.db.Where("parent_message_id = ?", sent.ID).First(&fu).Error)
	assert.True(t, fu.IsCancelled(), "a reply withdraws the pending follow-up")

	status, out = h.do(http.MethodGet, fmt.Sprintf("/api/v1/recipients/%d/messages", h.coach.ID), nil)
	require.Equal(t, http.StatusOK, status)
	history := decode[[]models.Message](t, out.Data)
	require.NotEmpty(t, history)
	assert.Equal(t, models.DirectionInbound, history[0].Direction)

	status, _ = h.do(http.MethodGet, "/api/v1/recipients/999/messages", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestImportPollsInboxWhenBatchEmpty(t *testing.T) {
	h := newHarness(t, 100)
	h.adapter.inbound = []outreach.InboundDescriptor{{
		From: "coach@state.edu", To: "athlete@example.com", Subject: "Hi", Date: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
	}}

	status, out := h.do(http.MethodPost, "/api/v1/messages/import", nil)
	require.Equal(t, http.StatusOK, status, out.Error)
	assert.Equal(t, 1, decode[outreach.ImportResult](t, out.Data).Imported)
}

func TestManualFollowUpTasks(t *testing.T) {
	h := newHarness(t, 100)

	status, out, sent := h.send(fiber.Map{
		"recipient_id": h.coach.ID,
		"subject":      "Hello",
		"body":         "Hi",
		"follow_up":    fiber.Map{"days": 4, "manual": true},
	})
	require.Equal(t, http.StatusCreated, status, out.Error)

	status, out = h.do(http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, status)
	tasks := decode[[]models.Task](t, out.Data)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].MessageID)
	assert.Equal(t, sent.ID, *tasks[0].MessageID)

	status, out = h.do(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/send", tasks[0].ID), nil)
	require.Equal(t, http.StatusOK, status, out.Error)
	result := decode[struct {
		Message models.Message `json:"message"`
		Task    models.Task    `json:"task"`
	}](t, out.Data)
	assert.Equal(t, models.StatusSent, result.Message.Status)
	assert.True(t, result.Message.IsFollowUp)
	assert.True(t, result.Task.Completed)

	status, _ = h.do(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/skip", tasks[0].ID), nil)
	assert.Equal(t, http.StatusConflict, status, "closed tasks stay closed")

	status, out = h.do(http.MethodGet, "/api/v1/tasks?include_closed=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.Task](t, out.Data), 1)

	status, _ = h.do(http.MethodGet, "/api/v1/tasks?due_before=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeliveryWebhook(t *testing.T) {
	h := newHarness(t, 100)
	_, _, sent := h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "Hello", "body": "Hi"})
	providerID := *sent.ProviderMessageID

	payload := []byte(fmt.Sprintf(`{"event":"delivered","provider_message_id":%q}`, providerID))

	resp, _ := h.request(http.MethodPost, "/api/v1/webhooks/delivery", payload, map[string]string{"X-Signature": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	signed := map[string]string{"X-Signature": utils.SignWebhook(webhookSecret, payload)}
	resp, out := h.request(http.MethodPost, "/api/v1/webhooks/delivery", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode, out.Error)
	assert.False(t, out.Ignored)

	var got models.Message
	require.NoError(t, h.db.First(&got, sent.ID).Error)
	assert.Equal(t, models.StatusDelivered, got.Status)

	resp, out = h.request(http.MethodPost, "/api/v1/webhooks/delivery", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Ignored, "duplicate receipts are acknowledged")

	unknown := []byte(`{"event":"delivered","provider_message_id":"nope"}`)
	resp, _ = h.request(http.MethodPost, "/api/v1/webhooks/delivery", unknown, map[string]string{"X-Signature": utils.SignWebhook(webhookSecret, unknown)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenPixel(t *testing.T) {
	h := newHarness(t, 100)
	_, _, sent := h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "Hello", "body": "<p>Hi</p>"})

	resp, _ := h.request(http.MethodGet, fmt.Sprintf("/api/v1/track/open/%d/forged", sent.ID), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	var got models.Message
	require.NoError(t, h.db.First(&got, sent.ID).Error)
	assert.Equal(t, models.StatusSent, got.Status, "a forged token records nothing")

	resp, _ = h.request(http.MethodGet, fmt.Sprintf("/api/v1/track/open/%d/%s", sent.ID, utils.OpenToken(sent.ID)), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, h.db.First(&got, sent.ID).Error)
	assert.Equal(t, models.StatusOpened, got.Status)
}

func TestMailboxSettings(t *testing.T) {
	h := newHarness(t, 100)

	status, _ := h.do(http.MethodGet, "/api/v1/mailbox", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, out := h.do(http.MethodPut, "/api/v1/mailbox", fiber.Map{
		"from_email":    "Athlete@Example.com",
		"from_name":     "Sam Athlete",
		"smtp_host":     "smtp.example.com",
		"smtp_port":     587,
		"smtp_username": "sam",
		"smtp_password": "app-password",
		"encryption":    "STARTTLS",
	})
	require.Equal(t, http.StatusOK, status, out.Error)

	var mb models.Mailbox
	require.NoError(t, h.db.Where("user_id = ?", 1).First(&mb).Error)
	assert.Equal(t, "athlete@example.com", mb.FromEmail)
	assert.NotEqual(t, "app-password", mb.SMTPPassword)
	plain, err := utils.Decrypt(mb.SMTPPassword)
	require.NoError(t, err)
	assert.Equal(t, "app-password", plain)

	status, out = h.do(http.MethodGet, "/api/v1/mailbox", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[map[string]json.RawMessage](t, out.Data)
	assert.JSONEq(t, "true", string(view["has_smtp_pass"]))
	assert.NotContains(t, string(view["mailbox"]), mb.SMTPPassword)

	status, _ = h.do(http.MethodPut, "/api/v1/mailbox", fiber.Map{"from_email": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProfileStats(t *testing.T) {
	h := newHarness(t, 100)

	status, out := h.do(http.MethodPut, "/api/v1/profile", fiber.Map{
		"graduation_year": 2026,
		"sport":           "soccer",
		"position":        "midfielder",
		"stats_text":      "vertical: 30in\n40 yard dash: 4.7s\n",
	})
	require.Equal(t, http.StatusOK, status, out.Error)

	status, out = h.do(http.MethodGet, "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[struct {
		Profile   models.AthleteProfile `json:"profile"`
		StatsText string                `json:"stats_text"`
	}](t, out.Data)
	assert.Equal(t, "40 yard dash: 4.7s\nvertical: 30in", view.StatsText)
	assert.Equal(t, "4.7s", view.Profile.Stats["40 yard dash"])
}

func TestRecipientDirectory(t *testing.T) {
	h := newHarness(t, 100)
	require.NoError(t, h.db.Create(&models.Recipient{Name: "Bo Smith", Organization: "Tech", Email: "bo@tech.edu", Sport: "baseball"}).Error)

	status, out := h.do(http.MethodGet, "/api/v1/recipients?sport=soccer", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[struct {
		Data  []models.Recipient `json:"data"`
		Total int64              `json:"total"`
	}](t, out.Data)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "coach@state.edu", page.Data[0].Email)

	status, _ = h.do(http.MethodGet, fmt.Sprintf("/api/v1/recipients/%d", h.coach.ID), nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(http.MethodGet, "/api/v1/recipients/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSendRateLimit(t *testing.T) {
	h := newHarness(t, 1)

	status, _, _ := h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "One", "body": "Hi"})
	assert.Equal(t, http.StatusCreated, status)
	status, _, _ = h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "Two", "body": "Hi"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestSendRateLimitCoversDraftSends(t *testing.T) {
	h := newHarness(t, 1)

	status, out := h.do(http.MethodPost, "/api/v1/messages/draft", fiber.Map{"recipient_id": h.coach.ID, "subject": "Draft", "body": "Hi"})
	require.Equal(t, http.StatusCreated, status)
	draft := decode[models.Message](t, out.Data)

	status, _, _ = h.send(fiber.Map{"recipient_id": h.coach.ID, "subject": "One", "body": "Hi"})
	assert.Equal(t, http.StatusCreated, status)

	status, _ = h.do(http.MethodPut, fmt.Sprintf("/api/v1/messages/%d/send", draft.ID), nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	h := newHarness(t, 100)
	status, _ := h.do(http.MethodGet, "/api/v1/ws/messages", nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}
