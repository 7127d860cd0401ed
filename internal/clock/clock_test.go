package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(1000, 0))
	var order []int
	c.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	stopped := c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	c.Advance(15 * time.Millisecond)
	assert.Equal(t, []int{1}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, time.Unix(1001, 15*int64(time.Millisecond)), c.Now())
}

func TestFakeZeroDelayRunsImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ran := false
	tm := c.AfterFunc(0, func() { ran = true })
	assert.True(t, ran)
	assert.False(t, tm.Stop())
}
