package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "conversation." matches every conversation event.
const (
	KindConversationUpdated = "conversation.updated"
	KindSessionUpdated      = "session.updated"
	KindSessionMessage      = "session.message"
	KindMessageSendFailed   = "message.send_failed"
	KindMessageConfirmed    = "message.confirmed"
	KindPrayerUpdated       = "prayer.updated"
	KindChannelStatus       = "channel.status_changed"
	KindChannelResync       = "channel.resync"
	KindChannelOffline      = "channel.offline"
)

// Event is a change notification delivered to subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
