package aggregate

import (
	"sort"
	"sync"

	"github.com/agape-platform/convsync/internal/identity"
	"github.com/agape-platform/convsync/internal/metrics"
	"github.com/agape-platform/convsync/internal/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Aggregator folds a stream of messages into one summary per conversation.
// All mutations go through its mutex, making it the single update path for
// conversation state.
type Aggregator struct {
	mu          sync.Mutex
	localUserID string
	logger      *zap.Logger
	convs       map[model.ConversationKey]*Thread
	index       map[string]model.ConversationKey
}

// New creates an aggregator for the given local user.
func New(localUserID string, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		localUserID: localUserID,
		logger:      logger,
		convs:       make(map[model.ConversationKey]*Thread),
		index:       make(map[string]model.ConversationKey),
	}
}

// LocalUserID returns the user the aggregator computes unread state for.
func (a *Aggregator) LocalUserID() string {
	return a.localUserID
}

// Ingest applies a batch and returns the summaries of every conversation
// the batch touched. Malformed messages are dropped.
func (a *Aggregator) Ingest(msgs []model.Message) map[model.ConversationKey]model.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make(map[model.ConversationKey]struct{})
	for _, m := range msgs {
		key, ok := a.resolve(m, "batch")
		if !ok {
			continue
		}
		a.put(key, m)
		touched[key] = struct{}{}
	}

	out := make(map[model.ConversationKey]model.ConversationSummary, len(touched))
	for key := range touched {
		out[key] = a.summary(key)
	}
	return out
}

// ApplyOne applies a single message. Applying the same message twice leaves
// the summary unchanged. Reports false when the message was dropped.
func (a *Aggregator) ApplyOne(m model.Message) (model.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.resolve(m, "single")
	if !ok {
		return model.ConversationSummary{}, false
	}
	a.put(key, m)
	return a.summary(key), true
}

// Confirm swaps the optimistic message tempID for its server-confirmed form.
// When the pending entry is unknown (already reconciled or never applied)
// the confirmed message is applied as a regular message.
func (a *Aggregator) Confirm(tempID string, confirmed model.Message) (model.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.resolve(confirmed, "confirm")
	if !ok {
		return model.ConversationSummary{}, false
	}
	thread := a.thread(key)
	thread.Confirm(tempID, confirmed)
	delete(a.index, tempID)
	a.index[confirmed.ID] = key
	return a.summary(key), true
}

// Discard removes an optimistic message after its action failed. The
// conversation disappears when it has no message left.
func (a *Aggregator) Discard(tempID string) (model.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.index[tempID]
	if !ok {
		return model.ConversationSummary{}, false
	}
	delete(a.index, tempID)
	thread := a.convs[key]
	thread.Remove(tempID)
	if thread.Len() == 0 {
		delete(a.convs, key)
		return model.ConversationSummary{Key: key}, true
	}
	return a.summary(key), true
}

// MarkRead adds the local user to read_by of every message in the
// conversation and returns the server ids that changed.
func (a *Aggregator) MarkRead(key model.ConversationKey) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	thread, ok := a.convs[key]
	if !ok {
		return nil
	}
	var changed []string
	for _, m := range thread.Messages() {
		if m.SenderID == a.localUserID || m.ReadByUser(a.localUserID) || m.Pending() {
			continue
		}
		m.ReadBy = append(m.ReadBy, a.localUserID)
		thread.Put(m)
		changed = append(changed, m.ID)
	}
	return changed
}

// Summary returns the summary for one conversation.
func (a *Aggregator) Summary(key model.ConversationKey) (model.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.convs[key]; !ok {
		return model.ConversationSummary{}, false
	}
	return a.summary(key), true
}

// Summaries returns every conversation, most recent first.
func (a *Aggregator) Summaries() []model.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := lo.MapToSlice(a.convs, func(key model.ConversationKey, _ *Thread) model.ConversationSummary {
		return a.summary(key)
	})
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Latest.CreatedAt, out[j].Latest.CreatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Messages returns the conversation's messages in display order.
func (a *Aggregator) Messages(key model.ConversationKey) []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	thread, ok := a.convs[key]
	if !ok {
		return nil
	}
	return thread.Messages()
}

// Lookup finds a message by id or temp id.
func (a *Aggregator) Lookup(id string) (model.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.index[id]
	if !ok {
		return model.Message{}, false
	}
	return a.convs[key].Get(id)
}

func (a *Aggregator) resolve(m model.Message, source string) (model.ConversationKey, bool) {
	if err := identity.Validate(m); err != nil {
		a.drop(m, source, err)
		return model.ConversationKey{}, false
	}
	key, err := identity.Resolve(m, a.localUserID)
	if err != nil {
		a.drop(m, source, err)
		return model.ConversationKey{}, false
	}
	return key, true
}

func (a *Aggregator) drop(m model.Message, source string, err error) {
	a.logger.Warn("dropping malformed message",
		zap.Error(err),
		zap.String("source", source),
		zap.String("msg_id", m.Identity()),
	)
	metrics.IncDropped(source)
}

func (a *Aggregator) thread(key model.ConversationKey) *Thread {
	thread, ok := a.convs[key]
	if !ok {
		thread = NewThread()
		a.convs[key] = thread
	}
	return thread
}

func (a *Aggregator) put(key model.ConversationKey, m model.Message) {
	a.thread(key).Put(m)
	a.index[m.Identity()] = key
}

// summary is computed over the whole conversation: unread is true iff some
// message from another user lacks the local user in read_by.
func (a *Aggregator) summary(key model.ConversationKey) model.ConversationSummary {
	thread := a.convs[key]
	latest, _ := thread.Latest()
	unread := lo.ContainsBy(thread.Messages(), func(m model.Message) bool {
		return m.SenderID != a.localUserID && !m.ReadByUser(a.localUserID)
	})
	return model.ConversationSummary{Key: key, Latest: latest, Unread: unread}
}
