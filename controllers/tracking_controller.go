package controller

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"athletereach/outreach"
	"athletereach/utils"
)

// 1x1 transparent GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// DeliveryEvent is the provider webhook payload.
type DeliveryEvent struct {
	Event             string `json:"event" validate:"required,oneof=delivered opened failed bounced"`
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Reason            string `json:"reason"`
}

type TrackingController struct {
	lc            *outreach.Lifecycle
	webhookSecret string
}

func NewTrackingController(lc *outreach.Lifecycle, webhookSecret string) *TrackingController {
	return &TrackingController{lc: lc, webhookSecret: webhookSecret}
}

// OpenPixel records an open and always answers with the pixel so mail
// clients never show a broken image.
func (tc *TrackingController) OpenPixel(c *fiber.Ctx) error {
	id := routeID(c)
	if id != 0 && utils.VerifyOpenToken(id, c.Params("token")) {
		if _, err := tc.lc.RecordOpened(c.UserContext(), id); err != nil &&
			!errors.Is(err, outreach.ErrInvalidTransition) && !errors.Is(err, outreach.ErrNotFound) {
			utils.LogError("open_tracking", err, map[string]interface{}{"message_id": id})
		}
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}

// DeliveryWebhook applies provider receipts. The body must be signed with
// the shared secret in X-Signature when one is configured.
func (tc *TrackingController) DeliveryWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if tc.webhookSecret != "" && !utils.VerifyWebhookSignature(tc.webhookSecret, body, c.Get("X-Signature")) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid signature"})
	}

	var evt DeliveryEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(evt); err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.UserContext()
	var err error
	switch evt.Event {
	case "delivered":
		_, err = tc.lc.RecordDelivered(ctx, evt.ProviderMessageID)
	case "opened":
		_, err = tc.lc.RecordOpenedByProvider(ctx, evt.ProviderMessageID)
	case "failed", "bounced":
		reason := evt.Reason
		if reason == "" {
			reason = evt.Event
		}
		_, err = tc.lc.RecordProviderFailure(ctx, evt.ProviderMessageID, reason)
	}

	// Late or repeated receipts are expected; acknowledge them so the provider stops retrying.
	if errors.Is(err, outreach.ErrInvalidTransition) {
		return c.JSON(fiber.Map{"success": true, "ignored": true})
	}
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}
