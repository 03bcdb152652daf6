package sync

import (
	"context"
	"fmt"

	"github.com/agape-platform/convsync/internal/outbox"
	"github.com/agape-platform/convsync/internal/restapi"
)

// executor performs pending actions over REST.
type executor struct {
	api API
}

func (x executor) Execute(ctx context.Context, a outbox.PendingAction) (string, error) {
	switch a.Kind {
	case outbox.KindSendMessage:
		m := a.Payload.Message
		return x.api.SendMessage(ctx, restapi.SendPayload{
			Content:       m.Content,
			RecipientType: m.RecipientType,
			RecipientID:   m.RecipientID,
		})
	case outbox.KindSendMeetingMessage:
		return x.api.SendMeetingMessage(ctx, a.Payload.SessionID, a.Payload.Message.Content)
	case outbox.KindTogglePrayer:
		return "", x.api.PrayForRequest(ctx, a.Payload.RequestID, a.Payload.Praying)
	default:
		return "", fmt.Errorf("unsupported action kind %q", a.Kind)
	}
}
