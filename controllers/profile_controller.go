package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"athletereach/middleware"
	"athletereach/models"
	"athletereach/utils"
)

// UpdateProfileRequest accepts stats either as a map or as "key: value" lines.
type UpdateProfileRequest struct {
	GraduationYear int               `json:"graduation_year" validate:"omitempty,min=2000,max=2100"`
	Sport          string            `json:"sport" validate:"max=50"`
	Position       string            `json:"position" validate:"max=50"`
	School         string            `json:"school" validate:"max=120"`
	City           string            `json:"city"`
	State          string            `json:"state"`
	GPA            string            `json:"gpa" validate:"max=10"`
	HighlightsURL  string            `json:"highlights_url" validate:"omitempty,url"`
	Bio            string            `json:"bio" validate:"max=5000"`
	Stats          map[string]string `json:"stats"`
	StatsText      *string           `json:"stats_text"`
}

type ProfileController struct {
	db *gorm.DB
}

func NewProfileController(db *gorm.DB) *ProfileController {
	return &ProfileController{db: db}
}

func (pc *ProfileController) GetProfile(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var profile models.AthleteProfile
	if err := pc.db.WithContext(c.UserContext()).Where("user_id = ?", user.ID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Profile not found"})
		}
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(profileView(&profile)))
}

func (pc *ProfileController) UpdateProfile(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var req UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var profile models.AthleteProfile
	err := pc.db.WithContext(c.UserContext()).Where("user_id = ?", user.ID).First(&profile).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return outreachError(c, err)
	}

	profile.UserID = user.ID
	profile.GraduationYear = req.GraduationYear
	profile.Sport = req.Sport
	profile.Position = req.Position
	profile.School = req.School
	profile.City = req.City
	profile.State = req.State
	profile.GPA = req.GPA
	profile.HighlightsURL = req.HighlightsURL
	profile.Bio = req.Bio

	switch {
	case req.StatsText != nil:
		profile.Stats = models.StringMap(utils.ParseStats(*req.StatsText))
	case req.Stats != nil:
		profile.Stats = models.StringMap(req.Stats)
	}

	if err := pc.db.WithContext(c.UserContext()).Save(&profile).Error; err != nil {
		return outreachError(c, err)
	}
	return c.JSON(utils.SuccessResponse(profileView(&profile)))
}

func profileView(p *models.AthleteProfile) fiber.Map {
	return fiber.Map{
		"profile":    p,
		"stats_text": utils.FormatStats(p.Stats),
	}
}
