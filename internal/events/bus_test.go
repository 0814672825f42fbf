package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](s *Subscription[T]) []T {
	var out []T
	for {
		select {
		case v, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus[int](8)
	a, c := b.Subscribe(), b.Subscribe()
	require.NotEqual(t, a.ID, c.ID)

	for i := 0; i < 3; i++ {
		b.Publish(i)
	}
	assert.Equal(t, []int{0, 1, 2}, drain(a))
	assert.Equal(t, []int{0, 1, 2}, drain(c))
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	b := NewBus[int](3)
	s := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}
	assert.Equal(t, []int{7, 8, 9}, drain(s))
	assert.Equal(t, uint64(7), s.Dropped())
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus[int](2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := range fast.C() {
			got = append(got, v)
			if v == 99 {
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		b.Publish(i)
	}
	wg.Wait()
	assert.Equal(t, 99, got[len(got)-1])
	assert.Len(t, drain(slow), 2)
}

func TestSubscription_Close(t *testing.T) {
	b := NewBus[string](4)
	s := b.Subscribe()
	assert.Equal(t, 1, b.Len())
	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Len())
	_, ok := <-s.C()
	assert.False(t, ok)

	b.Publish("after close")
}

func TestBus_Close(t *testing.T) {
	b := NewBus[string](4)
	s := b.Subscribe()
	b.Publish("x")
	b.Close()
	b.Close()
	b.Publish("ignored")

	v, ok := <-s.C()
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	_, ok = <-s.C()
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
	late.Close()
}
