package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func drain(q *deliveryQueue) [][]byte {
	var out [][]byte
	for {
		select {
		case buf, ok := <-q.channel():
			if !ok {
				return out
			}
			out = append(out, buf)
		default:
			return out
		}
	}
}

func TestQueueDropOldest(t *testing.T) {
	q := newDeliveryQueue(4)

	dropped := 0
	for i := 0; i < 10; i++ {
		if q.push([]byte{byte(i)}) {
			dropped++
		}
	}

	got := drain(q)
	require.Len(t, got, 4)
	for i, buf := range got {
		assert.Equal(t, byte(6+i), buf[0], "expected the newest four buffers")
	}
	assert.Equal(t, 6, dropped)
}

func TestQueueCloseIdempotent(t *testing.T) {
	q := newDeliveryQueue(2)
	q.push([]byte{1})
	q.close()
	q.close()

	// Queued data stays readable, then the closed channel reports end
	// of stream.
	buf, ok := <-q.channel()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, buf)
	_, ok = <-q.channel()
	assert.False(t, ok)

	assert.False(t, q.push([]byte{2}), "push after close must be a no-op")
}

// Under sustained overflow the queue holds a contiguous suffix of the
// pushed sequence no longer than its capacity.
func TestQueueFreshness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		pushes := rapid.IntRange(0, 64).Draw(t, "pushes")

		q := newDeliveryQueue(capacity)
		for i := 0; i < pushes; i++ {
			q.push([]byte{byte(i)})
		}

		got := drain(q)
		if len(got) > capacity {
			t.Fatalf("queue held %d items, capacity %d", len(got), capacity)
		}
		for i, buf := range got {
			want := byte(pushes - len(got) + i)
			if buf[0] != want {
				t.Fatalf("item %d: got index %d, want %d", i, buf[0], want)
			}
		}
	})
}
