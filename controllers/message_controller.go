package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"athletereach/middleware"
	"athletereach/outreach"
	"athletereach/utils"
)

type SendMessageRequest struct {
	RecipientID uint                     `json:"recipient_id" validate:"required"`
	Subject     string                   `json:"subject" validate:"notblank,max=998"`
	Body        string                   `json:"body" validate:"notblank"`
	FollowUp    *outreach.FollowUpConfig `json:"follow_up"`
}

type DraftRequest struct {
	RecipientID uint   `json:"recipient_id" validate:"required"`
	Subject     string `json:"subject" validate:"max=998"`
	Body        string `json:"body"`
}

type CancelFollowUpRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type ImportMessage struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Date     time.Time `json:"date"`
	ThreadID string    `json:"thread_id"`
}

// ImportRequest carries a pre-fetched batch. An empty batch polls the
// caller's inbox instead, starting at Since.
type ImportRequest struct {
	Messages []ImportMessage `json:"messages" validate:"max=500"`
	Since    *time.Time      `json:"since"`
}

type MessageController struct {
	lc *outreach.Lifecycle
}

func NewMessageController(lc *outreach.Lifecycle) *MessageController {
	return &MessageController{lc: lc}
}

// SendMessage sends a new message and optionally plans its follow-up.
func (mc *MessageController) SendMessage(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	msg, err := mc.lc.Send(c.UserContext(), user.ID, req.RecipientID, req.Subject, req.Body, req.FollowUp)
	var derr *outreach.DeliveryError
	if errors.As(err, &derr) && msg != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   derr.Reason,
			"data":    msg,
		})
	}
	if err != nil {
		return outreachError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(msg))
}

func (mc *MessageController) SaveDraft(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var req DraftRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	msg, err := mc.lc.SaveDraft(c.UserContext(), user.ID, req.RecipientID, req.Subject, req.Body)
	if err != nil {
		return outreachError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(msg))
}

func (mc *MessageController) SendDraft(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid message ID")
	}

	msg, err := mc.lc.SendExistingDraft(c.UserContext(), user.ID, id)
	var derr *outreach.DeliveryError
	if errors.As(err, &derr) && msg != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   derr.Reason,
			"data":    msg,
		})
	}
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

func (mc *MessageController) DeleteMessage(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid message ID")
	}

	if err := mc.lc.DeleteMessage(c.UserContext(), user.ID, id); err != nil {
		return outreachError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Draft deleted"})
}

func (mc *MessageController) CancelFollowUp(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid message ID")
	}

	var req CancelFollowUpRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		if err := utils.ValidateStruct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	msg, err := mc.lc.CancelFollowUp(c.UserContext(), user.ID, id, req.Reason)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

// ImportMessages threads inbound mail into the caller's conversations.
func (mc *MessageController) ImportMessages(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var req ImportRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		if err := utils.ValidateStruct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	if len(req.Messages) == 0 {
		var since time.Time
		if req.Since != nil {
			since = *req.Since
		}
		result, err := mc.lc.ImportReplies(c.UserContext(), user.ID, since)
		if err != nil {
			return outreachError(c, err)
		}
		return c.JSON(utils.SuccessResponse(result))
	}

	batch := make([]outreach.InboundDescriptor, 0, len(req.Messages))
	for _, m := range req.Messages {
		batch = append(batch, outreach.InboundDescriptor{
			From:             m.From,
			To:               m.To,
			Subject:          m.Subject,
			Body:             m.Body,
			Date:             m.Date,
			ExternalThreadID: m.ThreadID,
		})
	}
	return c.JSON(utils.SuccessResponse(mc.lc.Import(c.UserContext(), user.ID, batch)))
}

// RecipientHistory lists the caller's messages with one recipient, newest first.
func (mc *MessageController) RecipientHistory(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid recipient ID")
	}

	messages, err := mc.lc.History(c.UserContext(), user.ID, id)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(messages))
}
