package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agape-platform/convsync/internal/model"
	"go.uber.org/zap"
)

const (
	// MaxPages bounds paginated fetches.
	MaxPages = 50
	// DefaultPerPage is requested when the caller sets no page size. The
	// backend's own default is 20.
	DefaultPerPage = 100
)

// MessageFilter selects messages for FetchMessages. Zero fields are omitted.
type MessageFilter struct {
	Type      string // ministry, camp, personal or sent
	CampID    string
	PartnerID string
	FromDate  time.Time
	PerPage   int
}

func (f MessageFilter) query() url.Values {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.CampID != "" {
		q.Set("camp_id", f.CampID)
	}
	if f.PartnerID != "" {
		q.Set("partner_id", f.PartnerID)
	}
	if !f.FromDate.IsZero() {
		q.Set("from_date", f.FromDate.UTC().Format(time.RFC3339))
	}
	return q
}

type messagePage struct {
	Messages []model.Message `json:"messages"`
	Page     int             `json:"page"`
	Pages    int             `json:"pages"`
}

// FetchMessages returns every message matching the filter, following
// pagination.
func (c *Client) FetchMessages(ctx context.Context, f MessageFilter) ([]model.Message, error) {
	return c.fetchPages(ctx, "/messages/", f.query(), f.PerPage)
}

// FetchMeetingMessages returns the chat history of a meeting.
func (c *Client) FetchMeetingMessages(ctx context.Context, meetingID string) ([]model.Message, error) {
	msgs, err := c.fetchPages(ctx, "/meetings/messages/"+url.PathEscape(meetingID)+"/messages", nil, 0)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].MeetingID == "" {
			msgs[i].MeetingID = meetingID
		}
	}
	return msgs, nil
}

func (c *Client) fetchPages(ctx context.Context, path string, q url.Values, perPage int) ([]model.Message, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	var out []model.Message
	for page := 1; ; page++ {
		var resp messagePage
		if err := c.do(ctx, http.MethodGet, path, pageQuery(q, page, perPage), nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Messages...)
		if resp.Pages <= page || len(resp.Messages) == 0 {
			return out, nil
		}
		if page == MaxPages {
			c.logger.Warn("page limit reached, older messages not fetched",
				zap.String("path", path),
				zap.Int("pages", resp.Pages),
				zap.Int("fetched", len(out)),
			)
			return out, nil
		}
	}
}

// SendPayload is the body of a new conversation message.
type SendPayload struct {
	Content       string              `json:"content"`
	RecipientType model.RecipientType `json:"recipient_type"`
	RecipientID   string              `json:"recipient_id,omitempty"`
	MessageType   string              `json:"message_type,omitempty"`
}

type createResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

// SendMessage posts a conversation message and returns its server id.
func (c *Client) SendMessage(ctx context.Context, p SendPayload) (string, error) {
	if p.MessageType == "" {
		p.MessageType = "text"
	}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/messages/", nil, p, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("send message: response has no message_id")
	}
	return resp.MessageID, nil
}

// SendMeetingMessage posts to a meeting's chat and returns the server id.
func (c *Client) SendMeetingMessage(ctx context.Context, meetingID, content string) (string, error) {
	body := map[string]string{"content": content, "message_type": "text"}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/meetings/messages/"+url.PathEscape(meetingID)+"/messages", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("send meeting message: response has no message_id")
	}
	return resp.MessageID, nil
}

// MarkRead marks a message read by the authenticated user.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

// FetchSessionDetails returns a meeting's current state.
func (c *Client) FetchSessionDetails(ctx context.Context, id string) (model.Session, error) {
	var resp struct {
		Meeting model.Session `json:"meeting"`
	}
	if err := c.do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return model.Session{}, err
	}
	if resp.Meeting.ID == "" {
		return model.Session{}, fmt.Errorf("session %s: %w", id, model.ErrUnknownSession)
	}
	return resp.Meeting, nil
}

// StartSession starts a meeting. Only the host is allowed to.
func (c *Client) StartSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/meetings/"+url.PathEscape(id)+"/start", nil, nil, nil)
}

// EndSession ends a meeting, attaching an optional recording URL.
func (c *Client) EndSession(ctx context.Context, id, recordingURL string) error {
	body := map[string]any{"recording_url": nil}
	if recordingURL != "" {
		body["recording_url"] = recordingURL
	}
	return c.do(ctx, http.MethodPost, "/meetings/"+url.PathEscape(id)+"/end", nil, body, nil)
}

// FetchChannelToken returns a short-lived token for the realtime channel.
func (c *Client) FetchChannelToken(ctx context.Context) (string, error) {
	var resp struct {
		SocketToken string `json:"socket_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/socket-token", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.SocketToken == "" {
		return "", fmt.Errorf("socket token: empty response")
	}
	return resp.SocketToken, nil
}

// PrayForRequest adds or removes the user from a prayer request.
func (c *Client) PrayForRequest(ctx context.Context, requestID string, pray bool) error {
	action := "unpray"
	if pray {
		action = "pray"
	}
	return c.do(ctx, http.MethodPost, "/prayer-requests/"+url.PathEscape(requestID)+"/"+action, nil, nil, nil)
}
