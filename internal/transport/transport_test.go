package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebSocketHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewWebSocketHub([]string{"localhost:8080"}, zap.NewNop())
	defer hub.Stop()

	req := httptest.NewRequest("GET", "/v1/ws", nil)
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebSocketHub_FiltersByConversation(t *testing.T) {
	hub := NewWebSocketHub(nil, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	all := &ChannelSubscriber{C: make(chan []byte, 4)}
	conv1 := &ChannelSubscriber{C: make(chan []byte, 4), Conversation: "conv-1"}
	conv2 := &ChannelSubscriber{C: make(chan []byte, 4), Conversation: "conv-2"}
	hub.Register(all)
	hub.Register(conv1)
	hub.Register(conv2)
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Notification{
		Kind:           KindClarification,
		ConversationID: "conv-1",
		Text:           "Which Max do you mean?",
	}))

	for _, c := range []*ChannelSubscriber{all, conv1} {
		select {
		case msg := <-c.C:
			var n Notification
			require.NoError(t, json.Unmarshal(msg, &n))
			assert.Equal(t, KindClarification, n.Kind)
			assert.Equal(t, "Which Max do you mean?", n.Text)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for broadcast")
		}
	}

	select {
	case msg := <-conv2.C:
		t.Fatalf("conv-2 client received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewWebSocketHub(nil, zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	slow := &ChannelSubscriber{C: make(chan []byte, 1)}
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Notification{Kind: KindReply, Text: "one"}))
	require.NoError(t, hub.Notify(context.Background(), Notification{Kind: KindReply, Text: "two"}))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-slow.C
	assert.True(t, ok, "first notification stays queued")
	_, ok = <-slow.C
	assert.False(t, ok, "queue is closed after the drop")
}

func TestFanoutJoinsErrors(t *testing.T) {
	var delivered []string
	ok := NotifierFunc(func(_ context.Context, n Notification) error {
		delivered = append(delivered, n.Text)
		return nil
	})
	boom := errors.New("gateway down")
	failing := NotifierFunc(func(context.Context, Notification) error { return boom })

	err := Fanout{ok, failing, nil, LogNotifier{}, ok}.Notify(context.Background(), Notification{Text: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"hi", "hi"}, delivered)

	assert.NoError(t, Fanout{ok}.Notify(context.Background(), Notification{Text: "again"}))
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisher_Notify(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, key: "aie.notifications"}

	err := p.Notify(context.Background(), Notification{
		Kind:           KindReply,
		ConversationID: "conv-9",
		Text:           "Done, the report was sent.",
	})
	require.NoError(t, err)
	assert.Equal(t, "", ch.exchange)
	assert.Equal(t, "aie.notifications", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, "reply", ch.msg.Type)
	assert.Equal(t, "conv-9", ch.msg.CorrelationId)

	var n Notification
	require.NoError(t, json.Unmarshal(ch.msg.Body, &n))
	assert.Equal(t, "Done, the report was sent.", n.Text)
	assert.False(t, n.CreatedAt.IsZero())

	ch.err = errors.New("channel closed")
	assert.Error(t, p.Notify(context.Background(), Notification{}))

	var nilPublisher *AMQPPublisher
	assert.Error(t, nilPublisher.Notify(context.Background(), Notification{}))
	assert.NoError(t, nilPublisher.Close())
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	_, err := NewAMQPPublisher(AMQPConfig{})
	assert.Error(t, err)
}
