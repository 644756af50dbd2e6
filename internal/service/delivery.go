package service

import (
	"context"
	"sort"
	"time"

	"chatterbox/internal/cache"
	"chatterbox/internal/models"
	"chatterbox/internal/observability"
	"chatterbox/internal/repository"
)

// StatusChange is a batch of one sender's messages that moved to Status.
type StatusChange struct {
	ConversationID uint                 `json:"conversation_id"`
	SenderID       uint                 `json:"-"`
	Status         models.MessageStatus `json:"status"`
	MessageIDs     []uint               `json:"message_ids"`
	ReaderID       uint                 `json:"reader_id,omitempty"`
}

// UnreadSummary aggregates a user's unread counters.
type UnreadSummary struct {
	Total           int                  `json:"total"`
	PerConversation []ConversationUnread `json:"per_conversation"`
}

// ConversationUnread is the unread counter of one conversation.
type ConversationUnread struct {
	ConversationID uint `json:"conversation_id"`
	UnreadCount    int  `json:"unread_count"`
}

// Delivery records per-recipient receipts and advances the aggregate message
// status once every current recipient has acknowledged.
type Delivery struct {
	store  *repository.Store
	engine *UserChatEngine
	now    func() time.Time
}

// NewDelivery creates a Delivery.
func NewDelivery(store *repository.Store, engine *UserChatEngine) *Delivery {
	return &Delivery{store: store, engine: engine, now: time.Now}
}

func (d *Delivery) withStore(tx *repository.Store, engine *UserChatEngine) *Delivery {
	c := *d
	c.store = tx
	c.engine = engine
	return &c
}

// MarkDelivered acknowledges delivery of every message readerID has not yet
// acknowledged in the conversation.
func (d *Delivery) MarkDelivered(ctx context.Context, convID, readerID uint) ([]StatusChange, error) {
	return d.acknowledge(ctx, convID, readerID, false)
}

// MarkRead acknowledges reading (and so delivery) of every message readerID
// has not yet read, then zeroes the reader's unread counter.
func (d *Delivery) MarkRead(ctx context.Context, convID, readerID uint) ([]StatusChange, error) {
	changes, err := d.acknowledge(ctx, convID, readerID, true)
	if err != nil {
		return nil, err
	}
	if err := d.engine.ResetUnread(ctx, readerID, convID); err != nil {
		return nil, err
	}
	return changes, nil
}

// MarkDeliveredAll acknowledges delivery across every active conversation of
// readerID. Conversations the reader no longer belongs to are skipped.
func (d *Delivery) MarkDeliveredAll(ctx context.Context, readerID uint) ([]StatusChange, error) {
	views, err := d.store.UserChats.ListByUser(ctx, readerID, true)
	if err != nil {
		return nil, err
	}
	var all []StatusChange
	for _, view := range views {
		changes, err := d.acknowledge(ctx, view.ConversationID, readerID, false)
		if err != nil {
			if models.ErrorCode(err) == models.CodeForbidden {
				continue
			}
			return nil, err
		}
		all = append(all, changes...)
	}
	return all, nil
}

// MarkReadMany marks several conversations read for readerID.
func (d *Delivery) MarkReadMany(ctx context.Context, readerID uint, convIDs []uint) ([]StatusChange, error) {
	var all []StatusChange
	for _, convID := range uniqueIDs(convIDs) {
		changes, err := d.MarkRead(ctx, convID, readerID)
		if err != nil {
			return nil, err
		}
		all = append(all, changes...)
	}
	return all, nil
}

// UnreadSummary returns the total and per-conversation unread counters of
// userID's active conversations. The result is cached briefly; writers
// invalidate it through cache.InvalidateUnread.
func (d *Delivery) UnreadSummary(ctx context.Context, userID uint) (*UnreadSummary, error) {
	summary := &UnreadSummary{PerConversation: []ConversationUnread{}}
	err := cache.Aside(ctx, cache.UnreadKey(userID), summary, cache.UnreadTTL, func() error {
		views, err := d.store.UserChats.ListByUser(ctx, userID, true)
		if err != nil {
			return err
		}
		for _, view := range views {
			if view.UnreadCount <= 0 {
				continue
			}
			summary.Total += view.UnreadCount
			summary.PerConversation = append(summary.PerConversation, ConversationUnread{
				ConversationID: view.ConversationID,
				UnreadCount:    view.UnreadCount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (d *Delivery) acknowledge(ctx context.Context, convID, readerID uint, read bool) ([]StatusChange, error) {
	members, err := d.store.Conversations.MemberIDs(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !contains(members, readerID) {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}

	pending, err := d.store.Messages.PendingReceipts(ctx, convID, readerID, read)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := d.store.Messages.MarkReceipts(ctx, pending, readerID, d.now(), read); err != nil {
		return nil, err
	}

	msgs, err := d.store.Messages.GetByIDs(ctx, pending)
	if err != nil {
		return nil, err
	}
	return d.settle(ctx, convID, readerID, msgs, members)
}

// Reevaluate re-tallies every message of the conversation that has not
// reached read against the current members. Removing a member lowers the
// threshold, so messages already acknowledged by everyone left advance here.
func (d *Delivery) Reevaluate(ctx context.Context, convID uint) ([]StatusChange, error) {
	members, err := d.store.Conversations.MemberIDs(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs, err := d.store.Messages.ListUnsettled(ctx, convID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return d.settle(ctx, convID, 0, msgs, members)
}

// settle advances msgs per sender and reports the transitions. readerID is
// zero when no single acknowledgement caused them.
func (d *Delivery) settle(ctx context.Context, convID, readerID uint, msgs []models.Message, members []uint) ([]StatusChange, error) {
	bySender := make(map[uint][]models.Message)
	for _, msg := range msgs {
		bySender[msg.SenderID] = append(bySender[msg.SenderID], msg)
	}

	senders := make([]uint, 0, len(bySender))
	for id := range bySender {
		senders = append(senders, id)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	var changes []StatusChange
	for _, senderID := range senders {
		delivered, readIDs, err := d.advance(ctx, bySender[senderID], without(members, senderID))
		if err != nil {
			return nil, err
		}
		if len(delivered) > 0 {
			changes = append(changes, StatusChange{
				ConversationID: convID,
				SenderID:       senderID,
				Status:         models.MessageStatusDelivered,
				MessageIDs:     delivered,
				ReaderID:       readerID,
			})
		}
		if len(readIDs) > 0 {
			changes = append(changes, StatusChange{
				ConversationID: convID,
				SenderID:       senderID,
				Status:         models.MessageStatusRead,
				MessageIDs:     readIDs,
				ReaderID:       readerID,
			})
		}
	}
	return changes, nil
}

// advance recomputes the aggregate status of msgs against the current
// recipient set. A message jumping from sent to read is reported in both
// returned lists.
func (d *Delivery) advance(ctx context.Context, msgs []models.Message, recipients []uint) (delivered, read []uint, err error) {
	if len(recipients) == 0 {
		return nil, nil, nil
	}
	ids := make([]uint, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	tallies, err := d.store.Messages.TallyReceipts(ctx, ids, recipients)
	if err != nil {
		return nil, nil, err
	}

	threshold := len(recipients)
	var toDelivered []uint
	for _, msg := range msgs {
		tally := tallies[msg.ID]
		switch {
		case tally.ReadCount >= threshold && msg.Status.Rank() < models.MessageStatusRead.Rank():
			if msg.Status == models.MessageStatusSent {
				delivered = append(delivered, msg.ID)
			}
			read = append(read, msg.ID)
		case tally.DeliveredCount >= threshold && msg.Status == models.MessageStatusSent:
			delivered = append(delivered, msg.ID)
			toDelivered = append(toDelivered, msg.ID)
		}
	}

	if err := d.store.Messages.AdvanceStatus(ctx, toDelivered, models.MessageStatusDelivered); err != nil {
		return nil, nil, err
	}
	if err := d.store.Messages.AdvanceStatus(ctx, read, models.MessageStatusRead); err != nil {
		return nil, nil, err
	}
	if len(delivered) > 0 {
		observability.ReceiptTransitions.WithLabelValues(string(models.MessageStatusDelivered)).Add(float64(len(delivered)))
	}
	if len(read) > 0 {
		observability.ReceiptTransitions.WithLabelValues(string(models.MessageStatusRead)).Add(float64(len(read)))
	}
	return delivered, read, nil
}
