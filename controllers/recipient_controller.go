package controller

import (
	"github.com/gofiber/fiber/v2"

	"athletereach/outreach"
	"athletereach/utils"
)

type RecipientController struct {
	directory *outreach.GormDirectory
}

func NewRecipientController(directory *outreach.GormDirectory) *RecipientController {
	return &RecipientController{directory: directory}
}

func (rc *RecipientController) ListRecipients(c *fiber.Ctx) error {
	filter := outreach.RecipientFilter{
		Search:   c.Query("search"),
		Sport:    c.Query("sport"),
		Division: c.Query("division"),
		State:    c.Query("state"),
		Page:     c.QueryInt("page", 1),
		Limit:    c.QueryInt("limit", 20),
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}

	recipients, total, err := rc.directory.List(c.UserContext(), filter)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  recipients,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}))
}

func (rc *RecipientController) GetRecipient(c *fiber.Ctx) error {
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid recipient ID")
	}

	recipient, err := rc.directory.GetRecipient(c.UserContext(), id)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(recipient))
}
