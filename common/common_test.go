package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := MakeSet[string](2)
	assert.False(t, s.Has("a"))
	s.Insert("a")
	s.Insert("b")
	assert.True(t, s.Has("a"))
	s.Delete("a")
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 0, "a": 1, "b": 2}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}

func TestSendNoBlock(t *testing.T) {
	ch := make(chan int, 1)
	assert.Equal(t, 0, SendNoBlock(ch, 1))
	assert.Equal(t, 1, SendNoBlock(ch, 2), "channel full, value should be dropped")
	assert.Equal(t, 1, <-ch)
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	go l.Trigger()
	l.Wait()
	assert.True(t, l.Test())

	// Second trigger is a no-op.
	l.Trigger()

	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("WaitChan should be closed after trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[bool]()
	assert.False(t, l.Test())
	go func() {
		l.Trigger(true)
		l.Trigger(false) // Discarded.
	}()
	require.True(t, l.Wait())
	assert.True(t, l.Wait(), "value must be stable across repeated waits")
	assert.True(t, l.Test())

	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("WaitChan should be closed after trigger")
	}
}
