package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/uomping/pkg/logx"
)

func newTestBus() *Bus {
	return NewBus(DefaultConfig(), logx.NewLogger("error", "test"))
}

func TestBus_SubscribeRequiresConnection(t *testing.T) {
	b := newTestBus()
	_, _, err := b.Subscribe("MONROE.META.DEVICE.MODEM")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, b.PublishJSON("x", map[string]int{"a": 1}), ErrNotConnected)
}

func TestBus_FanOut(t *testing.T) {
	b := newTestBus()
	ch1, cancel1, err := b.addSubscriber("meta")
	require.NoError(t, err)
	ch2, _, err := b.addSubscriber("meta")
	require.NoError(t, err)
	other, _, err := b.addSubscriber("other")
	require.NoError(t, err)

	b.dispatch("meta", []byte(`{"a":1}`))

	assert.Equal(t, []byte(`{"a":1}`), <-ch1)
	assert.Equal(t, []byte(`{"a":1}`), <-ch2)
	assert.Len(t, other, 0)

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	b.dispatch("meta", []byte("second"))
	assert.Equal(t, []byte("second"), <-ch2)
}

func TestBus_ConnectionLossClosesSubscribers(t *testing.T) {
	b := newTestBus()
	ch, cancel, err := b.addSubscriber("meta")
	require.NoError(t, err)

	b.onConnectionLost(nil, assert.AnError)

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, cancel)
	assert.False(t, b.IsConnected())
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	b := newTestBus()
	b.bufSize = 1
	ch, _, err := b.addSubscriber("meta")
	require.NoError(t, err)

	b.dispatch("meta", []byte("1"))
	b.dispatch("meta", []byte("2"))

	assert.Equal(t, []byte("1"), <-ch)
	assert.Len(t, ch, 0)
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient implements the broker calls Subscribe uses; duringSubscribe
// runs once inside the next Subscribe, before the SUBACK is returned
type fakeClient struct {
	MQTT.Client

	mu              sync.Mutex
	subscribes      int
	subscribeErr    error
	duringSubscribe func()
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb MQTT.MessageHandler) MQTT.Token {
	c.mu.Lock()
	c.subscribes++
	hook := c.duringSubscribe
	c.duringSubscribe = nil
	err := c.subscribeErr
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &fakeToken{err: err}
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func newConnectedBus() (*Bus, *fakeClient) {
	b := newTestBus()
	fc := &fakeClient{}
	b.client = fc
	b.onConnect(fc)
	return b, fc
}

func TestBus_SubscribeSharesBrokerSubscription(t *testing.T) {
	b, fc := newConnectedBus()

	ch1, cancel1, err := b.Subscribe("meta")
	require.NoError(t, err)
	ch2, cancel2, err := b.Subscribe("meta")
	require.NoError(t, err)
	assert.Equal(t, 1, fc.subscribeCount())

	b.dispatch("meta", []byte("x"))
	assert.Equal(t, []byte("x"), <-ch1)
	assert.Equal(t, []byte("x"), <-ch2)

	cancel1()
	cancel2()
	_, _, err = b.Subscribe("meta")
	require.NoError(t, err)
	assert.Equal(t, 2, fc.subscribeCount())
}

func TestBus_ConnectionLostDuringSubscribe(t *testing.T) {
	b, fc := newConnectedBus()
	fc.duringSubscribe = func() {
		b.onConnectionLost(fc, errors.New("connection reset"))
		b.onConnect(fc)
	}

	_, _, err := b.Subscribe("meta")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, b.topics)

	// the clean session dropped the broker subscription, so it is sent again
	ch, cancel, err := b.Subscribe("meta")
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 2, fc.subscribeCount())

	b.dispatch("meta", []byte(`{"a":1}`))
	assert.Equal(t, []byte(`{"a":1}`), <-ch)
}

func TestBus_SubscribeFailureClosesTopic(t *testing.T) {
	b, fc := newConnectedBus()
	fc.subscribeErr = errors.New("not authorized")

	var joined <-chan []byte
	fc.duringSubscribe = func() {
		var err error
		joined, _, err = b.Subscribe("meta")
		require.NoError(t, err)
	}

	_, _, err := b.Subscribe("meta")
	require.Error(t, err)
	assert.ErrorContains(t, err, "not authorized")

	_, open := <-joined
	assert.False(t, open, "subscriber without a broker subscription must be closed")
	assert.Empty(t, b.topics)
}
