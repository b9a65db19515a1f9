package messagebus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(logger.Default())
}

func post(t *testing.T, b *Bus, in PostInput) *Message {
	t.Helper()
	msg, err := b.Post(in)
	require.NoError(t, err)
	return msg
}

func TestPostAssignsIDAndTimestamp(t *testing.T) {
	b := newTestBus(t)
	before := time.Now().UTC()

	msg := post(t, b, PostInput{From: "a1", To: "a2", Type: TypeTask, Content: "do it"})

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.Before(before))
	assert.Equal(t, 1, b.Len())
}

func TestPostValidation(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Post(PostInput{Type: TypeTask})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = b.Post(PostInput{From: "a1", Type: "telegram"})
	assert.True(t, errdefs.IsInvalid(err))
}

func TestCapDropsOldest(t *testing.T) {
	b := newTestBus(t)
	var first *Message
	for i := 0; i < MaxMessages+3; i++ {
		msg := post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: fmt.Sprintf("m%d", i)})
		if i == 0 {
			first = msg
		}
	}

	assert.Equal(t, MaxMessages, b.Len())
	_, err := b.Get(first.ID)
	assert.True(t, errdefs.IsNotFound(err))

	msgs := b.Query(Query{})
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, fmt.Sprintf("m%d", MaxMessages+2), msgs[len(msgs)-1].Content)
}

func TestQueryVisibility(t *testing.T) {
	b := newTestBus(t)
	post(t, b, PostInput{From: "a1", To: "a2", Type: TypeTask, Content: "direct"})
	post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "broadcast"})
	post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "not for workers", ExcludeRoles: []string{"worker"}})

	// Direct addressee sees direct + both broadcasts.
	msgs := b.Query(Query{To: "a2"})
	require.Len(t, msgs, 3)

	// A worker does not see the excluded broadcast.
	msgs = b.Query(Query{To: "a3", AgentRole: "worker"})
	require.Len(t, msgs, 1)
	assert.Equal(t, "broadcast", msgs[0].Content)

	// Direct messages for someone else stay invisible.
	msgs = b.Query(Query{To: "a3"})
	require.Len(t, msgs, 2)
}

func TestQueryFilters(t *testing.T) {
	b := newTestBus(t)
	post(t, b, PostInput{From: "a1", Type: TypeTask, Channel: "build", Content: "t1"})
	mid := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	post(t, b, PostInput{From: "a2", Type: TypeResult, Channel: "build", Content: "r1"})
	post(t, b, PostInput{From: "a2", Type: TypeResult, Content: "r2"})

	assert.Len(t, b.Query(Query{From: "a2"}), 2)
	assert.Len(t, b.Query(Query{Type: TypeResult}), 2)
	assert.Len(t, b.Query(Query{Channel: "build"}), 2)
	assert.Len(t, b.Query(Query{Since: mid}), 2)

	limited := b.Query(Query{Limit: 2})
	require.Len(t, limited, 2)
	// Limit keeps the newest messages.
	assert.Equal(t, "r1", limited[0].Content)
	assert.Equal(t, "r2", limited[1].Content)
}

func TestReadTracking(t *testing.T) {
	b := newTestBus(t)
	m1 := post(t, b, PostInput{From: "a1", To: "a2", Type: TypeTask, Content: "x"})
	post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "y"})

	assert.Equal(t, 2, b.UnreadCount("a2", ""))

	require.NoError(t, b.MarkRead(m1.ID, "a2"))
	assert.Equal(t, 1, b.UnreadCount("a2", ""))
	assert.Empty(t, b.Query(Query{To: "a2", UnreadBy: "a2", Type: TypeTask}))

	// Marking twice does not duplicate the entry.
	require.NoError(t, b.MarkRead(m1.ID, "a2"))
	got, err := b.Get(m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, got.ReadBy)

	n := b.MarkAllRead("a2", "")
	assert.Equal(t, 1, n)
	assert.Zero(t, b.UnreadCount("a2", ""))

	// Other agents keep their own read state.
	assert.Equal(t, 1, b.UnreadCount("a3", ""))
}

func TestCleanupForAgent(t *testing.T) {
	b := newTestBus(t)
	post(t, b, PostInput{From: "dead", To: "a2", Type: TypeTask, Content: "1"})
	post(t, b, PostInput{From: "a2", To: "dead", Type: TypeResult, Content: "2"})
	post(t, b, PostInput{From: "a2", To: "a3", Type: TypeInfo, Content: "3"})

	removed := b.CleanupForAgent("dead")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, b.Len())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	var got []*Message
	unsub := b.Subscribe(func(msg *Message) { got = append(got, msg) })

	post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "one"})
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Content)

	unsub()
	post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "two"})
	assert.Len(t, got, 1)
}

func TestListenerPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(func(msg *Message) { panic("boom") })

	var delivered bool
	b.Subscribe(func(msg *Message) { delivered = true })

	assert.NotPanics(t, func() {
		post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "x"})
	})
	assert.True(t, delivered)
	assert.Equal(t, 1, b.Len())
}

func TestQueryReturnsCopies(t *testing.T) {
	b := newTestBus(t)
	m := post(t, b, PostInput{From: "a1", Type: TypeInfo, Content: "x", Metadata: map[string]any{"k": "v"}})

	got := b.Query(Query{})[0]
	got.Content = "mutated"
	got.Metadata["k"] = "changed"

	fresh, err := b.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", fresh.Content)
	assert.Equal(t, "v", fresh.Metadata["k"])
}
