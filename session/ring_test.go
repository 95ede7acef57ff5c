package session

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingSnapshotBeforeWrap(t *testing.T) {
	r := newRing(5)
	for i := 0; i < 3; i++ {
		r.append(OutputEvent{Type: EventStdout, Content: strconv.Itoa(i)})
	}

	got := r.snapshot()
	assert.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, strconv.Itoa(i), ev.Content)
	}
}

func TestRingSnapshotAfterWrap(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 10; i++ {
		r.append(OutputEvent{Type: EventStdout, Content: strconv.Itoa(i)})
	}

	got := r.snapshot()
	assert.Len(t, got, 4)
	// Oldest retained first, newest last.
	assert.Equal(t, "6", got[0].Content)
	assert.Equal(t, "9", got[3].Content)
}

func TestRingClampsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		r := newRing(capacity)
		r.append(OutputEvent{Type: EventStdout, Content: "a"})
		r.append(OutputEvent{Type: EventStdout, Content: "b"})

		got := r.snapshot()
		assert.Len(t, got, 1)
		assert.Equal(t, "b", got[0].Content)
	}
}

func TestRingSnapshotIsACopy(t *testing.T) {
	r := newRing(4)
	r.append(OutputEvent{Type: EventStdout, Content: "a"})

	got := r.snapshot()
	r.append(OutputEvent{Type: EventStdout, Content: "b"})
	assert.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
}
