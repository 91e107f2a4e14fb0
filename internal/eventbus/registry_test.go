package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullptr-z/Q-bot/internal/events"
)

func TestRegistryConcurrentFirstTouch(t *testing.T) {
	reg := NewRegistry(8, nil)

	const callers = 64
	got := make([]*Bus, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = reg.GetOrCreate("device-1")
		}(i)
	}
	close(start)
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(8, nil)

	_, ok := reg.Lookup("missing")
	assert.False(t, ok)

	b := reg.GetOrCreate("d1")
	found, ok := reg.Lookup("d1")
	require.True(t, ok)
	assert.Same(t, b, found)
}

func TestRegistryNoCrossDeviceLeakage(t *testing.T) {
	reg := NewRegistry(8, nil)
	a := reg.GetOrCreate("a").Subscribe()
	b := reg.GetOrCreate("b").Subscribe()
	defer a.Close()
	defer b.Close()

	reg.GetOrCreate("a").Publish(events.Input{TurnID: "ta", Content: "for a"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, events.Input{TurnID: "ta", Content: "for a"}, ev)

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	_, err = b.Recv(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryCloseEndsStreams(t *testing.T) {
	reg := NewRegistry(8, nil)
	sub := reg.GetOrCreate("d1").Subscribe()

	reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
