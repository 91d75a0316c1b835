package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(20*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "late") })

	c.Advance(30 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFake_RescheduleFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(20*time.Second, tick)
	}
	c.AfterFunc(20*time.Second, tick)

	c.Advance(time.Minute)
	assert.Equal(t, 3, count)
}
