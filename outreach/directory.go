package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"athletereach/models"
)

// GormDirectory serves recipient records from the recipients table.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) GetRecipient(ctx context.Context, id uint) (*models.Recipient, error) {
	var r models.Recipient
	if err := d.db.WithContext(ctx).First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading recipient %d: %w", id, err)
	}
	return &r, nil
}

func (d *GormDirectory) FindRecipientByEmail(ctx context.Context, email string) (*models.Recipient, error) {
	var r models.Recipient
	email = strings.ToLower(strings.TrimSpace(email))
	if err := d.db.WithContext(ctx).Where("LOWER(email) = ?", email).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("looking up recipient %s: %w", email, err)
	}
	return &r, nil
}

func (d *GormDirectory) TouchLastContacted(ctx context.Context, id uint, when time.Time) error {
	res := d.db.WithContext(ctx).Model(&models.Recipient{}).Where("id = ?", id).Update("last_contacted_at", when)
	if res.Error != nil {
		return fmt.Errorf("touching recipient %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecipientFilter narrows a directory listing.
type RecipientFilter struct {
	Search   string
	Sport    string
	Division string
	State    string
	Page     int
	Limit    int
}

// List pages through the directory for the browse screen.
func (d *GormDirectory) List(ctx context.Context, f RecipientFilter) ([]models.Recipient, int64, error) {
	q := d.db.WithContext(ctx).Model(&models.Recipient{})
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(organization) LIKE ? OR LOWER(email) LIKE ?", like, like, like)
	}
	if f.Sport != "" {
		q = q.Where("sport = ?", f.Sport)
	}
	if f.Division != "" {
		q = q.Where("division = ?", f.Division)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting recipients: %w", err)
	}

	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	var out []models.Recipient
	err := q.Order("organization ASC").Order("name ASC").
		Offset((f.Page - 1) * f.Limit).Limit(f.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing recipients: %w", err)
	}
	return out, total, nil
}
