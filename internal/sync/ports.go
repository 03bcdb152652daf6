package sync

import (
	"context"

	"github.com/agape-platform/convsync/internal/channel"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/agape-platform/convsync/internal/restapi"
	"github.com/agape-platform/convsync/internal/status"
)

// API is the REST surface the engine consumes. *restapi.Client implements it.
type API interface {
	FetchMessages(ctx context.Context, f restapi.MessageFilter) ([]model.Message, error)
	FetchMeetingMessages(ctx context.Context, meetingID string) ([]model.Message, error)
	SendMessage(ctx context.Context, p restapi.SendPayload) (string, error)
	SendMeetingMessage(ctx context.Context, meetingID, content string) (string, error)
	MarkRead(ctx context.Context, messageID string) error
	FetchSessionDetails(ctx context.Context, id string) (model.Session, error)
	FetchChannelToken(ctx context.Context) (string, error)
	PrayForRequest(ctx context.Context, requestID string, pray bool) error
}

// Channel is the realtime connection. *channel.Channel implements it.
type Channel interface {
	Connect(ctx context.Context, token string) (status.State, error)
	Disconnect()
	Status() status.State
	OnEvent(eventType string, h channel.Handler)
	SetMatcher(m channel.Matcher)
	SetTokenSource(ts channel.TokenSource)
}

// Checkpointer persists refresh bookkeeping. *store.DB implements it.
type Checkpointer interface {
	SetCheckpoint(key, value string) error
	Checkpoint(key string) (string, error)
}
