package repository

import (
	"context"
	"errors"

	"github.com/procurenet/notify-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Contact holds a recipient's per-channel delivery addresses.
type Contact struct {
	RecipientID string
	Email       string
	Phone       string
	DeviceToken string
}

// Address returns the contact address for one channel. In-app delivery is
// addressed by the recipient id itself.
func (c *Contact) Address(channel domain.Channel) string {
	if c == nil {
		return ""
	}
	switch channel {
	case domain.ChannelEmail:
		return c.Email
	case domain.ChannelSMS:
		return c.Phone
	case domain.ChannelPush:
		return c.DeviceToken
	case domain.ChannelInApp:
		return c.RecipientID
	}
	return ""
}

type GroupRepository interface {
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
	PutGroup(ctx context.Context, group *domain.Group) error
}

type ContactRepository interface {
	GetContact(ctx context.Context, recipientID string) (*Contact, error)
	PutContact(ctx context.Context, contact *Contact) error
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

func (r *GormRecipientRepo) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	var model GroupModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.Group{
		ID:        model.ID,
		Name:      model.Name,
		MemberIDs: model.MemberIDs,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func (r *GormRecipientRepo) PutGroup(ctx context.Context, group *domain.Group) error {
	if group == nil {
		return nil
	}
	model := &GroupModel{
		ID:        group.ID,
		Name:      group.Name,
		MemberIDs: group.MemberIDs,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

func (r *GormRecipientRepo) GetContact(ctx context.Context, recipientID string) (*Contact, error) {
	var model ContactModel
	err := r.db.WithContext(ctx).First(&model, "recipient_id = ?", recipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Contact{
		RecipientID: model.RecipientID,
		Email:       model.Email,
		Phone:       model.Phone,
		DeviceToken: model.DeviceToken,
	}, nil
}

func (r *GormRecipientRepo) PutContact(ctx context.Context, contact *Contact) error {
	if contact == nil {
		return nil
	}
	model := &ContactModel{
		RecipientID: contact.RecipientID,
		Email:       contact.Email,
		Phone:       contact.Phone,
		DeviceToken: contact.DeviceToken,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}
