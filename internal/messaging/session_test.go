package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/pubsub"
	"github.com/spotter/messenger/internal/testutils"
	"github.com/spotter/messenger/internal/transport"
)

const me = "me"

// fakeHistory implements HistoryFetcher. Fetches for gated friends block until
// released so tests can control the order in which loads resolve.
type fakeHistory struct {
	mu      sync.Mutex
	data    map[string][]domain.Message
	gates   map[string]chan struct{}
	ctxs    map[string]context.Context
	err     error
	started chan string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		data:    make(map[string][]domain.Message),
		gates:   make(map[string]chan struct{}),
		ctxs:    make(map[string]context.Context),
		started: make(chan string, 16),
	}
}

func (f *fakeHistory) History(ctx context.Context, friendID string) ([]domain.Message, error) {
	f.mu.Lock()
	gate := f.gates[friendID]
	f.ctxs[friendID] = ctx
	f.mu.Unlock()

	f.started <- friendID
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Message, len(f.data[friendID]))
	copy(out, f.data[friendID])
	return out, nil
}

func (f *fakeHistory) gate(friendID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[friendID] = make(chan struct{})
}

func (f *fakeHistory) release(friendID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gates[friendID])
}

func (f *fakeHistory) ctxFor(friendID string) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[friendID]
}

// mockPublisher implements pubsub.Publisher for testing
type mockPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
}

func (m *mockPublisher) Publish(ctx context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) views(t *testing.T) []ConversationView {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConversationView
	for _, msg := range m.messages {
		if msg.Topic != TopicConversation.Name() {
			continue
		}
		var v ConversationView
		require.NoError(t, json.Unmarshal(msg.Payload, &v))
		out = append(out, v)
	}
	return out
}

type testSession struct {
	*Session
	ft    *testutils.FakeTransport
	hist  *fakeHistory
	up    *mockUploader
	pub   *mockPublisher
	clock *clock.Mock
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	ts := &testSession{
		ft:    testutils.NewFakeTransport(),
		hist:  newFakeHistory(),
		up:    &mockUploader{result: domain.Upload{URL: "https://cdn.test/f", Type: "image/png"}},
		pub:   &mockPublisher{},
		clock: clock.NewMock(),
	}
	ts.Session = New(Dependencies{
		UserID:    me,
		Transport: ts.ft,
		History:   ts.hist,
		Uploader:  ts.up,
		Publisher: ts.pub,
		Clock:     ts.clock,
	})
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testSession) selectFriend(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, ts.Select(context.Background(), domain.Friend{ID: id, Username: id}))
	<-ts.hist.started
}

func (ts *testSession) stopTypingTo(to string) int {
	n := 0
	for _, e := range ts.ft.EmittedEvents(events.StopTyping) {
		if e.Payload == (events.TypingTo{To: to}) {
			n++
		}
	}
	return n
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSession_SelectLoadsHistory(t *testing.T) {
	ts := newTestSession(t)
	ts.hist.data["alice"] = []domain.Message{msg("m1", "alice", me), msg("m2", me, "alice")}

	ts.selectFriend(t, "alice")

	f, ok := ts.Selected()
	require.True(t, ok)
	assert.Equal(t, "alice", f.ID)
	assert.Equal(t, []string{"m1", "m2"}, ids(ts.Messages()))

	reads := ts.ft.EmittedEvents(events.ReadMessages)
	require.Len(t, reads, 1)
	assert.Equal(t, events.ReadRequest{From: "alice"}, reads[0].Payload)

	views := ts.pub.views(t)
	require.NotEmpty(t, views)
	last := views[len(views)-1]
	assert.False(t, last.Loading)
	assert.Len(t, last.Messages, 2)
	for i := 1; i < len(views); i++ {
		assert.Greater(t, views[i].Version, views[i-1].Version)
	}
}

func TestSession_StaleHistoryIsDiscarded(t *testing.T) {
	ts := newTestSession(t)
	ts.hist.data["A"] = []domain.Message{msg("m1", "A", me), msg("m2", me, "A")}
	ts.hist.data["B"] = []domain.Message{msg("b1", "B", me)}
	ts.hist.gate("A")

	errA := make(chan error, 1)
	go func() {
		errA <- ts.Select(context.Background(), domain.Friend{ID: "A"})
	}()
	require.Equal(t, "A", <-ts.hist.started)

	ts.selectFriend(t, "B")
	assert.Equal(t, []string{"b1"}, ids(ts.Messages()))
	assert.ErrorIs(t, ts.hist.ctxFor("A").Err(), context.Canceled, "the superseded fetch is cancelled")

	ts.hist.release("A")
	require.NoError(t, <-errA)

	f, _ := ts.Selected()
	assert.Equal(t, "B", f.ID)
	assert.Equal(t, []string{"b1"}, ids(ts.Messages()), "A's late result must not replace B's history")
}

func TestSession_LastSelectWinsInAnyResolutionOrder(t *testing.T) {
	orders := [][]string{
		{"A", "B", "C"}, {"A", "C", "B"}, {"B", "A", "C"},
		{"B", "C", "A"}, {"C", "A", "B"}, {"C", "B", "A"},
	}
	for _, order := range orders {
		t.Run(strings.Join(order, ""), func(t *testing.T) {
			ts := newTestSession(t)
			var wg sync.WaitGroup
			for _, id := range []string{"A", "B", "C"} {
				ts.hist.data[id] = []domain.Message{msg(id+"1", id, me)}
				ts.hist.gate(id)
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_ = ts.Select(context.Background(), domain.Friend{ID: id})
				}(id)
				require.Equal(t, id, <-ts.hist.started)
			}

			for _, id := range order {
				ts.hist.release(id)
			}
			wg.Wait()

			assert.Equal(t, []string{"C1"}, ids(ts.Messages()))
		})
	}
}

func TestSession_HistoryFailureLeavesEmptyConversation(t *testing.T) {
	ts := newTestSession(t)
	ts.hist.err = errors.New("boom")

	err := ts.Select(context.Background(), domain.Friend{ID: "alice"})
	require.Error(t, err)

	_, ok := ts.Selected()
	assert.True(t, ok, "the friend stays selected")
	assert.Empty(t, ts.Messages())
	assert.False(t, ts.View().Loading)
}

func TestSession_SelectRequiresFriendID(t *testing.T) {
	ts := newTestSession(t)
	err := ts.Select(context.Background(), domain.Friend{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestSession_ReceiveFiltersBySelection(t *testing.T) {
	ts := newTestSession(t)

	ts.ft.Deliver(t, events.ReceiveMessage, msg("x0", "bob", me))
	assert.Empty(t, ts.Messages(), "nothing is shown without a selection")

	ts.selectFriend(t, "bob")
	ts.ft.Reset()

	ts.ft.Deliver(t, events.ReceiveMessage, msg("x1", "carol", me))
	ts.ft.Deliver(t, events.ReceiveMessage, msg("x2", "bob", "dave"))
	ts.ft.Deliver(t, events.ReceiveMessage, msg("x3", me, "carol"))
	assert.Empty(t, ts.Messages())
	assert.Empty(t, ts.ft.EmittedEvents(events.ReadMessages))

	ts.ft.Deliver(t, events.ReceiveMessage, msg("b1", "bob", me))
	ts.ft.Deliver(t, events.ReceiveMessage, msg("b2", me, "bob"))
	assert.Equal(t, []string{"b1", "b2"}, ids(ts.Messages()))

	reads := ts.ft.EmittedEvents(events.ReadMessages)
	require.Len(t, reads, 1, "only the friend's own message triggers a read")
	assert.Equal(t, events.ReadRequest{From: "bob"}, reads[0].Payload)
}

func TestSession_ReceiveIgnoresMalformedPayload(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	ts.ft.Deliver(t, events.ReceiveMessage, "not a message")
	assert.Empty(t, ts.Messages())
}

func TestSession_MessagesReadMarksOutgoing(t *testing.T) {
	ts := newTestSession(t)
	ts.hist.data["bob"] = []domain.Message{msg("m1", me, "bob"), msg("m2", "bob", me)}
	ts.selectFriend(t, "bob")

	ts.ft.Deliver(t, events.MessagesRead, events.ReadReceipt{By: "bob"})
	once := ts.Messages()
	assert.True(t, once[0].Read)
	assert.False(t, once[1].Read)

	before := len(ts.pub.views(t))
	ts.ft.Deliver(t, events.MessagesRead, events.ReadReceipt{By: "bob"})
	assert.Equal(t, once, ts.Messages())
	assert.Len(t, ts.pub.views(t), before, "a repeated receipt publishes nothing")
}

func TestSession_TypingDebounce(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	// Keystrokes at t=0 and t=1000ms.
	ts.InputChanged("h")
	ts.clock.Add(1000 * time.Millisecond)
	ts.InputChanged("hi")

	assert.Len(t, ts.ft.EmittedEvents(events.Typing), 2)

	ts.clock.Add(1499 * time.Millisecond)
	assert.Never(t, func() bool { return ts.stopTypingTo("bob") > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// t=2500ms
	ts.clock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return ts.stopTypingTo("bob") == 1 }, time.Second, 5*time.Millisecond)

	ts.clock.Add(10 * time.Second)
	assert.Never(t, func() bool { return ts.stopTypingTo("bob") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_TypingBurstEmitsOneStop(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	for _, text := range []string{"h", "he", "hello"} {
		ts.InputChanged(text)
		ts.clock.Add(150 * time.Millisecond)
	}
	ts.clock.Add(1500 * time.Millisecond)

	assert.Eventually(t, func() bool { return ts.stopTypingTo("bob") == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, ts.ft.EmittedEvents(events.Typing), 3)
	for _, e := range ts.ft.EmittedEvents(events.Typing) {
		assert.Equal(t, events.TypingTo{To: "bob"}, e.Payload)
	}
	assert.Equal(t, "hello", ts.Composer().Draft().Text)
}

func TestSession_SwitchCancelsTypingTimer(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "A")

	ts.InputChanged("hey")
	ts.clock.Add(500 * time.Millisecond)
	ts.selectFriend(t, "B")

	assert.Equal(t, 1, ts.stopTypingTo("A"), "the old conversation is told typing stopped")
	assert.Empty(t, ts.Composer().Draft().Text, "the composer is reset on switch")

	ts.clock.Add(5 * time.Second)
	assert.Never(t, func() bool { return ts.stopTypingTo("B") > 0 || ts.stopTypingTo("A") > 1 },
		50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_NoTypingSignalOutlivesSwitch(t *testing.T) {
	for i := 0; i < 20; i++ {
		ts := newTestSession(t)
		ts.selectFriend(t, "A")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ts.InputChanged("hey")
			}
		}()
		ts.selectFriend(t, "B")
		wg.Wait()

		var toA []string
		for _, e := range ts.ft.Emitted() {
			if (e.Event == events.Typing || e.Event == events.StopTyping) && e.Payload == (events.TypingTo{To: "A"}) {
				toA = append(toA, e.Event)
			}
		}
		if len(toA) > 0 {
			assert.Equal(t, events.StopTyping, toA[len(toA)-1], "A must end with stop_typing: %v", toA)
		}
	}
}

func TestSession_ViewDoesNotChangeVersion(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	v1 := ts.View()
	v2 := ts.View()
	assert.Equal(t, v1.Version, v2.Version)

	ts.ft.Deliver(t, events.ReceiveMessage, msg("m1", me, "bob"))
	assert.Equal(t, v1.Version+1, ts.View().Version)

	ts.ft.Deliver(t, events.MessagesRead, events.ReadReceipt{By: "bob"})
	assert.Equal(t, v1.Version+2, ts.View().Version)

	// Nothing left to mark, and bob typing twice is one change.
	ts.ft.Deliver(t, events.MessagesRead, events.ReadReceipt{By: "bob"})
	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	assert.Equal(t, v1.Version+3, ts.View().Version)

	views := ts.pub.views(t)
	assert.Equal(t, ts.View().Version, views[len(views)-1].Version)
}

func TestSession_BlurStopsTypingImmediately(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	ts.InputChanged("h")
	ts.Blur()
	assert.Equal(t, 1, ts.stopTypingTo("bob"))

	ts.clock.Add(5 * time.Second)
	assert.Never(t, func() bool { return ts.stopTypingTo("bob") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_InputWithoutSelectionEmitsNothing(t *testing.T) {
	ts := newTestSession(t)
	ts.InputChanged("hello")
	ts.Blur()
	assert.Empty(t, ts.ft.Emitted())
	assert.Equal(t, "hello", ts.Composer().Draft().Text)
}

func TestSession_RemoteTyping(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "carol"})
	assert.False(t, ts.RemoteTyping(), "other users are ignored")

	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	assert.True(t, ts.RemoteTyping())

	ts.ft.Deliver(t, events.StopTyping, events.TypingFrom{From: "carol"})
	assert.True(t, ts.RemoteTyping())

	ts.ft.Deliver(t, events.StopTyping, events.TypingFrom{From: "bob"})
	assert.False(t, ts.RemoteTyping())
}

func TestSession_RemoteTypingTimesOut(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	ts.clock.Add(4 * time.Second)
	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	ts.clock.Add(4 * time.Second)
	assert.Never(t, func() bool { return !ts.RemoteTyping() }, 50*time.Millisecond, 5*time.Millisecond)

	ts.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return !ts.RemoteTyping() }, time.Second, 5*time.Millisecond)
}

func TestSession_SwitchClearsRemoteTyping(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")
	ts.ft.Deliver(t, events.Typing, events.TypingFrom{From: "bob"})
	require.True(t, ts.RemoteTyping())

	ts.selectFriend(t, "carol")
	assert.False(t, ts.RemoteTyping())
}

func TestSession_SendText(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")
	ts.InputChanged("hello")
	ts.ft.Reset()

	out, err := ts.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageText, out.Type)

	emitted := ts.ft.Emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, events.SendMessage, emitted[0].Event)
	assert.Equal(t, events.Outgoing{To: "bob", Content: "hello", Type: domain.MessageText}, emitted[0].Payload)
	assert.Equal(t, events.StopTyping, emitted[1].Event)

	assert.True(t, ts.Composer().Draft().Empty())
	assert.Empty(t, ts.Messages(), "sent messages appear only once the server echoes them")

	ts.clock.Add(5 * time.Second)
	assert.Never(t, func() bool { return ts.stopTypingTo("bob") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_SendEmbedIgnoresText(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")
	ts.Composer().SetText("check this out")
	ts.Composer().StageEmbed(domain.Embed{Type: "album", ID: "1DFixLWuPkv3KT3TnV35m3"})

	out, err := ts.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSpotifyEmbed, out.Type)
	assert.Empty(t, out.Content)
	assert.Len(t, ts.ft.EmittedEvents(events.SendMessage), 1)
}

func TestSession_SendErrors(t *testing.T) {
	t.Run("no conversation", func(t *testing.T) {
		ts := newTestSession(t)
		ts.Composer().SetText("hi")
		_, err := ts.Send(context.Background())
		assert.ErrorIs(t, err, domain.ErrNoConversation)
	})

	t.Run("empty composer", func(t *testing.T) {
		ts := newTestSession(t)
		ts.selectFriend(t, "bob")
		_, err := ts.Send(context.Background())
		assert.ErrorIs(t, err, domain.ErrNothingToSend)
		assert.Empty(t, ts.ft.EmittedEvents(events.SendMessage))
	})

	t.Run("upload failure keeps the draft", func(t *testing.T) {
		ts := newTestSession(t)
		ts.selectFriend(t, "bob")
		ts.up.err = errors.New("503 from storage")
		ts.Composer().Attach(BytesAttachment("cat.png", "image/png", []byte("x")))

		_, err := ts.Send(context.Background())
		assert.ErrorIs(t, err, domain.ErrUploadFailed)
		assert.Empty(t, ts.ft.EmittedEvents(events.SendMessage))
		require.NotNil(t, ts.Composer().Draft().File)
	})

	t.Run("disconnected", func(t *testing.T) {
		ts := newTestSession(t)
		ts.selectFriend(t, "bob")
		ts.Composer().SetText("hi")
		ts.ft.SetState(transport.StateReconnecting)

		_, err := ts.Send(context.Background())
		assert.ErrorIs(t, err, domain.ErrNotConnected)
		assert.Equal(t, "hi", ts.Composer().Draft().Text)
	})
}

func TestSession_SendFile(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")
	ts.Composer().Attach(BytesAttachment("cat.png", "image/png", []byte("meow")))

	out, err := ts.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageImage, out.Type)
	assert.Equal(t, "https://cdn.test/f", out.FileURL)
	assert.Equal(t, []string{"meow"}, ts.up.bodies)
	assert.Nil(t, ts.Composer().Draft().File)
}

func TestSession_RetryUploadsSameBytes(t *testing.T) {
	t.Run("after upload failure", func(t *testing.T) {
		ts := newTestSession(t)
		ts.selectFriend(t, "bob")
		ts.Composer().Attach(BytesAttachment("cat.png", "image/png", []byte("meow")))

		ts.up.err = errors.New("503 from storage")
		_, err := ts.Send(context.Background())
		require.ErrorIs(t, err, domain.ErrUploadFailed)

		ts.up.err = nil
		_, err = ts.Send(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"meow", "meow"}, ts.up.bodies)
		assert.Len(t, ts.ft.EmittedEvents(events.SendMessage), 1)
	})

	t.Run("after emit failure", func(t *testing.T) {
		ts := newTestSession(t)
		ts.selectFriend(t, "bob")
		ts.Composer().Attach(BytesAttachment("cat.png", "image/png", []byte("meow")))

		ts.ft.SetState(transport.StateReconnecting)
		_, err := ts.Send(context.Background())
		require.ErrorIs(t, err, domain.ErrNotConnected)

		ts.ft.SetState(transport.StateConnected)
		_, err = ts.Send(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"meow", "meow"}, ts.up.bodies)
	})
}

func TestSession_Clear(t *testing.T) {
	ts := newTestSession(t)
	ts.hist.data["bob"] = []domain.Message{msg("m1", "bob", me)}
	ts.selectFriend(t, "bob")
	ts.InputChanged("typing")

	ts.Clear()

	_, ok := ts.Selected()
	assert.False(t, ok)
	assert.Empty(t, ts.Messages())
	assert.Equal(t, 1, ts.stopTypingTo("bob"))

	ts.ft.Deliver(t, events.ReceiveMessage, msg("m2", "bob", me))
	assert.Empty(t, ts.Messages())
}

func TestSession_CloseRemovesListeners(t *testing.T) {
	ts := newTestSession(t)
	for _, ev := range []string{events.ReceiveMessage, events.Typing, events.StopTyping, events.MessagesRead} {
		assert.Equal(t, 1, ts.ft.ListenerCount(ev), ev)
	}

	ts.Close()
	ts.Close()

	for _, ev := range []string{events.ReceiveMessage, events.Typing, events.StopTyping, events.MessagesRead} {
		assert.Zero(t, ts.ft.ListenerCount(ev), ev)
	}
	err := ts.Select(context.Background(), domain.Friend{ID: "bob"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSession_ConcurrentEventsAndActions(t *testing.T) {
	ts := newTestSession(t)
	ts.selectFriend(t, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ts.ft.Deliver(t, events.ReceiveMessage, msg(string(rune('a'+i)), "bob", me))
		}(i)
		go func() {
			defer wg.Done()
			ts.InputChanged("x")
			_ = ts.View()
		}()
	}
	wg.Wait()

	assert.Len(t, ts.Messages(), 20)
}
