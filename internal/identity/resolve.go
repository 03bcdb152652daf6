package identity

import (
	"fmt"

	"github.com/agape-platform/convsync/internal/model"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the fields every message must carry.
func Validate(m model.Message) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidMessage, err)
	}
	if m.ID == "" && m.TempID == "" {
		return fmt.Errorf("%w: no id or temp id", model.ErrInvalidMessage)
	}
	return nil
}

// Resolve derives the conversation a message belongs to from the point of
// view of localUserID. It has no side effects.
func Resolve(m model.Message, localUserID string) (model.ConversationKey, error) {
	switch m.RecipientType {
	case model.RecipientUser:
		if m.SenderID == "" || m.RecipientID == "" {
			return model.ConversationKey{}, fmt.Errorf("%w: direct message without both parties", model.ErrInvalidMessage)
		}
		if m.SenderID == m.RecipientID {
			return model.ConversationKey{}, fmt.Errorf("%w: sender and recipient are the same user", model.ErrInvalidMessage)
		}
		var partner string
		switch localUserID {
		case m.SenderID:
			partner = m.RecipientID
		case m.RecipientID:
			partner = m.SenderID
		default:
			return model.ConversationKey{}, fmt.Errorf("%w: %s is not a party of the message", model.ErrInvalidMessage, localUserID)
		}
		return model.ConversationKey{Type: model.RecipientUser, PartnerID: partner}, nil
	case model.RecipientCamp:
		if m.RecipientID == "" {
			return model.ConversationKey{}, fmt.Errorf("%w: camp message without camp id", model.ErrInvalidMessage)
		}
		return model.ConversationKey{Type: model.RecipientCamp, PartnerID: m.RecipientID}, nil
	case model.RecipientMinistry:
		return model.ConversationKey{Type: model.RecipientMinistry, PartnerID: model.MinistryPartner}, nil
	default:
		return model.ConversationKey{}, fmt.Errorf("%w: unknown recipient type %q", model.ErrInvalidMessage, m.RecipientType)
	}
}

// Recipient is the inverse of Resolve: the recipient fields of a message the
// local user sends into the conversation identified by key.
func Recipient(key model.ConversationKey) (model.RecipientType, string, error) {
	switch key.Type {
	case model.RecipientUser, model.RecipientCamp:
		if key.PartnerID == "" {
			return "", "", fmt.Errorf("%w: empty partner in %s", model.ErrInvalidMessage, key)
		}
		return key.Type, key.PartnerID, nil
	case model.RecipientMinistry:
		return model.RecipientMinistry, "", nil
	default:
		return "", "", fmt.Errorf("%w: unknown conversation type %q", model.ErrInvalidMessage, key.Type)
	}
}
