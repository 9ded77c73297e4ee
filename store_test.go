package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	list     func(ctx context.Context) ([]Conversation, error)
	messages func(ctx context.Context, conversationID string) ([]Message, error)
	create   func(ctx context.Context, title string, participantIDs []string) (*Conversation, error)
	archive  func(ctx context.Context, conversationID string) (*Conversation, error)
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(ctx)
}

func (f *fakeAPI) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if f.messages == nil {
		return nil, nil
	}
	return f.messages(ctx, conversationID)
}

func (f *fakeAPI) CreateConversation(ctx context.Context, title string, participantIDs []string) (*Conversation, error) {
	if f.create == nil {
		return nil, errors.New("not implemented")
	}
	return f.create(ctx, title, participantIDs)
}

func (f *fakeAPI) ArchiveConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if f.archive == nil {
		return nil, errors.New("not implemented")
	}
	return f.archive(ctx, conversationID)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StoreEvent
}

func (r *eventRecorder) record(ev StoreEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []StoreEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StoreEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newTestStore builds a store over a connected fake transport.
func newTestStore(t *testing.T, api ConversationAPI) (*ConversationStore, *ConnectionManager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	cm := newTestManager(d, nil)
	require.NoError(t, cm.Connect(context.Background()))

	store := NewConversationStore(api, cm, StoreConfig{
		LocalUserID:    "u1",
		TypingDebounce: time.Minute,
		TypingFailsafe: time.Minute,
	})
	t.Cleanup(func() {
		store.Close()
		cm.Disconnect()
	})
	return store, cm, d
}

func eventFrame(t *testing.T, payload any) Frame {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return Frame{Type: frameEvent, Payload: body}
}

func twoConversationAPI() *fakeAPI {
	return &fakeAPI{
		list: func(context.Context) ([]Conversation, error) {
			return []Conversation{
				{ID: "c1", Title: "support", ParticipantIDs: []string{"u1", "u2"}, Status: ConversationActive},
				{ID: "c2", Title: "sales", ParticipantIDs: []string{"u1", "u3"}, Status: ConversationActive},
			}, nil
		},
		messages: func(_ context.Context, id string) ([]Message, error) {
			if id != "c1" {
				return nil, nil
			}
			return []Message{
				{ID: "m1", ConversationID: "c1", SenderID: "u2", Type: MessageText, Content: "hello", CreatedAt: time.Unix(100, 0)},
				{ID: "m2", ConversationID: "c1", SenderID: "u1", Type: MessageText, Content: "hey", CreatedAt: time.Unix(200, 0), ReadStatus: true},
				{ID: "m3", ConversationID: "c1", SenderID: "u2", Type: MessageText, Content: "anyone there?", CreatedAt: time.Unix(300, 0)},
			}, nil
		},
	}
}

func TestLoadConversationsDerivesFields(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())

	require.NoError(t, store.LoadConversations(context.Background()))

	conv, ok := store.Conversation("c1")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 3)
	assert.Equal(t, 2, conv.UnreadCount, "own messages and read messages do not count")
	assert.Equal(t, "anyone there?", conv.LastMessagePreview)
	assert.Equal(t, time.Unix(300, 0), conv.LastActivityAt)

	// Most recently active first.
	convs := store.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
}

func TestLoadConversationsIsolatesHistoryFailure(t *testing.T) {
	api := twoConversationAPI()
	api.messages = func(_ context.Context, id string) ([]Message, error) {
		if id == "c2" {
			return nil, errors.New("boom")
		}
		return []Message{
			{ID: "m1", ConversationID: "c1", SenderID: "u2", Type: MessageText, Content: "hello", CreatedAt: time.Unix(100, 0)},
		}, nil
	}
	store, _, _ := newTestStore(t, api)

	require.NoError(t, store.LoadConversations(context.Background()), "one failed history must not fail the load")

	healthy, ok := store.Conversation("c1")
	require.True(t, ok)
	assert.Empty(t, healthy.LoadError)
	assert.Len(t, healthy.Messages, 1)

	broken, ok := store.Conversation("c2")
	require.True(t, ok)
	assert.NotEmpty(t, broken.LoadError)
	assert.Empty(t, broken.Messages)

	// The broken conversation still accepts live traffic.
	store.handleMessageFrame(eventFrame(t, messagePayload{
		ID: "m9", ConversationID: "c2", SenderID: "u3", Type: "TEXT", Content: "still here",
	}))
	broken, _ = store.Conversation("c2")
	assert.Len(t, broken.Messages, 1)
}

func TestLoadConversationsListFailure(t *testing.T) {
	store, _, _ := newTestStore(t, &fakeAPI{
		list: func(context.Context) ([]Conversation, error) { return nil, errors.New("unauthorized") },
	})

	assert.Error(t, store.LoadConversations(context.Background()))
	assert.Empty(t, store.Conversations())
}

func TestSendMessageOptimisticThenReconciled(t *testing.T) {
	store, _, d := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	rec := &eventRecorder{}
	store.OnEvent(rec.record)

	msg, err := store.SendMessage("c1", "hi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "local-"))
	assert.NotEmpty(t, msg.ClientID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.True(t, msg.ReadStatus, "own messages are born read")

	// The frame went out over the live connection.
	published := d.latest().frames(framePublish)
	require.NotEmpty(t, published)
	assert.Equal(t, DestSendMessage("c1"), published[len(published)-1].Topic)

	conv, _ := store.Conversation("c1")
	require.Len(t, conv.Messages, 4)

	// Server echo carries the correlation token and the real id.
	store.handleMessageFrame(eventFrame(t, messagePayload{
		ID: "srv-9", ClientID: msg.ClientID, ConversationID: "c1",
		SenderID: "u1", Type: "TEXT", Content: "hi",
		CreatedAt: time.Unix(400, 0).UTC().Format(time.RFC3339Nano),
	}))

	conv, _ = store.Conversation("c1")
	require.Len(t, conv.Messages, 4, "echo reconciles in place, no duplicate")
	got := conv.Messages[3]
	assert.Equal(t, "srv-9", got.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.Len(t, rec.ofType(EventMessageUpdated), 1)

	// A redelivery of the same server id without the token is deduped.
	store.handleMessageFrame(eventFrame(t, messagePayload{
		ID: "srv-9", ConversationID: "c1", SenderID: "u1", Type: "TEXT", Content: "hi",
	}))
	conv, _ = store.Conversation("c1")
	assert.Len(t, conv.Messages, 4)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())

	_, err := store.SendMessage("nope", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendMessageFailsAfterRetryBudget(t *testing.T) {
	d := &fakeDialer{}
	cm := newTestManager(d, nil) // never connected: every publish fails fast
	store := NewConversationStore(twoConversationAPI(), cm, StoreConfig{
		LocalUserID:      "u1",
		OutboxMaxRetries: 1,
	})
	t.Cleanup(store.Close)

	require.NoError(t, store.LoadConversations(context.Background()))
	rec := &eventRecorder{}
	store.OnEvent(rec.record)

	msg, err := store.SendMessage("c1", "hi")
	require.NoError(t, err)

	conv, _ := store.Conversation("c1")
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, StatusFailed, conv.Messages[3].Status)

	failures := rec.ofType(EventSendFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, msg.ID, failures[0].MessageID)
}

func TestInboundMessageDeliveredOnce(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	rec := &eventRecorder{}
	store.OnEvent(rec.record)

	frame := eventFrame(t, messagePayload{
		ID: "m10", ConversationID: "c1", SenderID: "u2", Type: "TEXT", Content: "ping",
	})
	store.handleMessageFrame(frame)
	store.handleMessageFrame(frame)

	conv, _ := store.Conversation("c1")
	assert.Len(t, conv.Messages, 4)
	assert.Len(t, rec.ofType(EventMessageReceived), 1)
	assert.Equal(t, 3, conv.UnreadCount)
}

func TestInboundHistoryRedeliveryDeduped(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	// m3 arrived via the bulk history load; the live push is a duplicate.
	store.handleMessageFrame(eventFrame(t, messagePayload{
		ID: "m3", ConversationID: "c1", SenderID: "u2", Type: "TEXT", Content: "anyone there?",
	}))

	conv, _ := store.Conversation("c1")
	assert.Len(t, conv.Messages, 3)
}

func TestInboundUnknownTypeDropped(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	store.handleMessageFrame(eventFrame(t, messagePayload{
		ID: "m11", ConversationID: "c1", SenderID: "u2", Type: "CARRIER_PIGEON", Content: "coo",
	}))

	conv, _ := store.Conversation("c1")
	assert.Len(t, conv.Messages, 3)
}

func TestReadReceiptFlipsMessageAndUnreadCount(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	store.handleReceiptFrame(eventFrame(t, receiptPayload{
		MessageID: "m1", ConversationID: "c1", ReaderID: "u1",
	}))

	conv, _ := store.Conversation("c1")
	assert.True(t, conv.Messages[0].ReadStatus)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestMarkConversationReadPublishesReceipts(t *testing.T) {
	store, _, d := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	store.MarkConversationRead("c1")

	conv, _ := store.Conversation("c1")
	assert.Equal(t, 0, conv.UnreadCount)

	var acks []Frame
	for _, f := range d.latest().frames(framePublish) {
		if f.Topic == DestMarkAsRead {
			acks = append(acks, f)
		}
	}
	assert.Len(t, acks, 2, "one acknowledgement per unread incoming message")

	// Marking again publishes nothing new.
	store.MarkConversationRead("c1")
	count := 0
	for _, f := range d.latest().frames(framePublish) {
		if f.Topic == DestMarkAsRead {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestSetActiveConversationSwitchesSubscriptions(t *testing.T) {
	store, cm, d := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	require.NoError(t, store.SetActiveConversation("c1"))
	assert.Equal(t, "c1", store.ActiveConversation())
	assert.Equal(t, 3, cm.Registry().Len())

	subs := d.latest().frames(frameSubscribe)
	topics := make([]string, len(subs))
	for i, f := range subs {
		topics[i] = f.Topic
	}
	assert.ElementsMatch(t, []string{
		TopicMessages("c1"), TopicReadStatus("c1"), TopicTypingStatus("c1"),
	}, topics)

	require.NoError(t, store.SetActiveConversation("c2"))
	assert.Equal(t, 3, cm.Registry().Len(), "previous conversation's topics dropped")
	_, _, ok := cm.Registry().Lookup(TopicMessages("c1"))
	assert.False(t, ok)
	_, _, ok = cm.Registry().Lookup(TopicMessages("c2"))
	assert.True(t, ok)

	unsubs := d.latest().frames(frameUnsubscribe)
	assert.Len(t, unsubs, 3)

	assert.ErrorIs(t, store.SetActiveConversation("nope"), ErrConversationNotFound)
}

func TestTypingEchoFromLocalUserIgnored(t *testing.T) {
	store, _, _ := newTestStore(t, twoConversationAPI())
	require.NoError(t, store.LoadConversations(context.Background()))

	store.handleTypingFrame(eventFrame(t, typingPayload{UserID: "u1", ConversationID: "c1", Typing: true}))
	assert.False(t, store.IsAnyoneTyping("c1"))

	store.handleTypingFrame(eventFrame(t, typingPayload{UserID: "u2", ConversationID: "c1", Typing: true}))
	assert.True(t, store.IsAnyoneTyping("c1"))
	assert.Equal(t, []string{"u2"}, store.TypingUsers("c1"))
}

func TestArchiveConversation(t *testing.T) {
	api := twoConversationAPI()
	archiveErr := errors.New("server on fire")
	api.archive = func(_ context.Context, id string) (*Conversation, error) {
		if archiveErr != nil {
			return nil, archiveErr
		}
		return &Conversation{ID: id, Status: ConversationArchived}, nil
	}
	store, _, _ := newTestStore(t, api)
	require.NoError(t, store.LoadConversations(context.Background()))

	// Failure leaves local state untouched.
	require.Error(t, store.ArchiveConversation(context.Background(), "c1"))
	conv, _ := store.Conversation("c1")
	assert.Equal(t, ConversationActive, conv.Status)

	archiveErr = nil
	require.NoError(t, store.ArchiveConversation(context.Background(), "c1"))
	conv, _ = store.Conversation("c1")
	assert.Equal(t, ConversationArchived, conv.Status)

	assert.ErrorIs(t, store.ArchiveConversation(context.Background(), "nope"), ErrConversationNotFound)
}

func TestCreateConversation(t *testing.T) {
	api := twoConversationAPI()
	api.create = func(_ context.Context, title string, participants []string) (*Conversation, error) {
		return &Conversation{ID: "c3", Title: title, ParticipantIDs: participants, Status: ConversationActive}, nil
	}
	store, _, _ := newTestStore(t, api)

	conv, err := store.CreateConversation(context.Background(), "billing", []string{"u1", "u4"})
	require.NoError(t, err)
	assert.Equal(t, "c3", conv.ID)

	got, ok := store.Conversation("c3")
	require.True(t, ok)
	assert.Equal(t, "billing", got.Title)
}
