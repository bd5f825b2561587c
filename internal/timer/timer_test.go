package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(0, 0)
	f := NewFake(start)
	var order []string

	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(time.Second, func() { order = append(order, "a") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, start.Add(3*time.Second), f.Now())
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	f.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeRearmInsideCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}

func TestSystemAfterFunc(t *testing.T) {
	done := make(chan struct{})
	System{}.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("system timer did not fire")
	}
}
