package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *fakeSender) SendEvent(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gone")
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSender) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestRegistryConnectGetDisconnect(t *testing.T) {
	r := NewRegistry()
	a := &fakeSender{}

	_, ok := r.Get("f1", "ua")
	assert.False(t, ok)

	r.Connect("f1", "ua", a)
	got, ok := r.Get("f1", "ua")
	require.True(t, ok)
	assert.Same(t, a, got.(*fakeSender))

	assert.True(t, r.DisconnectIf("f1", "ua", a))
	_, ok = r.Get("f1", "ua")
	assert.False(t, ok)

	// disconnecting again is a no-op
	assert.False(t, r.DisconnectIf("f1", "ua", a))
}

func TestRegistryReplacesHandleForSamePair(t *testing.T) {
	r := NewRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	r.Connect("f1", "ua", first)
	r.Connect("f1", "ua", second)

	got, ok := r.Get("f1", "ua")
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeSender))

	_, connections := r.Counts()
	assert.Equal(t, 1, connections)
}

func TestDisconnectIfIgnoresReplacedHandle(t *testing.T) {
	r := NewRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	r.Connect("f1", "ua", first)
	r.Connect("f1", "ua", second)

	// the stale handle's teardown must not evict its replacement
	assert.False(t, r.DisconnectIf("f1", "ua", first))
	got, ok := r.Get("f1", "ua")
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeSender))

	assert.True(t, r.DisconnectIf("f1", "ua", second))
	_, ok = r.Get("f1", "ua")
	assert.False(t, ok)
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	r.Connect("f1", "ua", a)
	r.Connect("f1", "ub", b)
	r.Connect("f2", "uc", c)

	r.Broadcast("f1", Event{Op: OpChat}, "ua")

	assert.Empty(t, a.Events())
	require.Len(t, b.Events(), 1)
	assert.Equal(t, OpChat, b.Events()[0].Op)
	// other flows never see the event
	assert.Empty(t, c.Events())
}

func TestBroadcastReachesEveryoneWithoutExclude(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeSender{}, &fakeSender{}
	r.Connect("f1", "ua", a)
	r.Connect("f1", "ub", b)

	r.Broadcast("f1", Event{Op: OpUserJoined}, "")

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestBroadcastSurvivesFailingPeer(t *testing.T) {
	r := NewRegistry()
	broken := &fakeSender{fail: true}
	healthy := &fakeSender{}
	r.Connect("f1", "ua", broken)
	r.Connect("f1", "ub", healthy)

	r.Broadcast("f1", Event{Op: OpCursor}, "")

	assert.Len(t, healthy.Events(), 1)
}

func TestCounts(t *testing.T) {
	r := NewRegistry()
	r.Connect("f1", "ua", &fakeSender{})
	r.Connect("f1", "ub", &fakeSender{})
	r.Connect("f2", "uc", &fakeSender{})

	flows, connections := r.Counts()
	assert.Equal(t, 2, flows)
	assert.Equal(t, 3, connections)

	got, ok := r.Get("f2", "uc")
	require.True(t, ok)
	assert.True(t, r.DisconnectIf("f2", "uc", got))
	flows, connections = r.Counts()
	assert.Equal(t, 1, flows)
	assert.Equal(t, 2, connections)
}
