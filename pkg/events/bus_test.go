package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var mu sync.Mutex
	var got []Event

	bus.Subscribe(TypeSessionCreated, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	bus.Emit(TypeSessionCreated, "s-1", map[string]interface{}{"k": "v"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "s-1", got[0].SessionID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "v", got[0].Data["k"])
}

func TestBus_WildcardSeesEverything(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var count sync.WaitGroup
	count.Add(2)

	bus.Subscribe("*", func(ev Event) { count.Done() })

	bus.Emit(TypeSessionCreated, "s-1", nil)
	bus.Emit(TypeTurnDispatched, "s-1", nil)

	done := make(chan struct{})
	go func() { count.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wildcard handler missed events")
	}
}

func TestBus_NoSubscribersIsFine(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Emit(TypeSessionClosed, "s-1", nil)
}

func TestBus_SlowHandlerDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(zap.NewNop())
	release := make(chan struct{})
	bus.Subscribe(TypeSessionCreated, func(ev Event) { <-release })

	start := time.Now()
	bus.Emit(TypeSessionCreated, "s-1", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(release)
}
