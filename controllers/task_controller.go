package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"athletereach/middleware"
	"athletereach/outreach"
	"athletereach/utils"
)

type TaskFollowUpRequest struct {
	Subject string `json:"subject" validate:"max=998"`
	Body    string `json:"body"`
}

type TaskController struct {
	lc *outreach.Lifecycle
}

func NewTaskController(lc *outreach.Lifecycle) *TaskController {
	return &TaskController{lc: lc}
}

// ListTasks returns open tasks by due date. ?include_closed=true adds closed
// ones; ?due_before=<RFC3339> limits to tasks due by then.
func (tc *TaskController) ListTasks(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	filter := outreach.TaskFilter{IncludeClosed: c.QueryBool("include_closed", false)}
	if raw := c.Query("due_before"); raw != "" {
		due, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "due_before must be an RFC3339 timestamp")
		}
		filter.DueBefore = &due
	}

	tasks, err := tc.lc.ListTasks(c.UserContext(), user.ID, filter)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(tasks))
}

func (tc *TaskController) CompleteTask(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid task ID")
	}

	task, err := tc.lc.CompleteTask(c.UserContext(), user.ID, id)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(task))
}

func (tc *TaskController) SkipTask(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid task ID")
	}

	task, err := tc.lc.SkipTask(c.UserContext(), user.ID, id)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(task))
}

// SendTaskFollowUp sends the follow-up a reminder task points at.
func (tc *TaskController) SendTaskFollowUp(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	id := routeID(c)
	if id == 0 {
		return badRequest(c, "Invalid task ID")
	}

	var req TaskFollowUpRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		if err := utils.ValidateStruct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	msg, task, err := tc.lc.SendTaskFollowUp(c.UserContext(), user.ID, id, req.Subject, req.Body)
	if err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": msg, "task": task}))
}
