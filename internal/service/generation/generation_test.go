package generation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_SingleFlight(t *testing.T) {
	c := NewController()

	t1, ok := c.TryBegin()
	require.True(t, ok)
	assert.True(t, t1.Valid())

	_, ok = c.TryBegin()
	assert.False(t, ok, "second TryBegin should fail while one is in flight")

	c.Finish(t1)
	t2, ok := c.TryBegin()
	require.True(t, ok, "TryBegin should succeed after Finish")
	assert.NotEqual(t, t1, t2)
}

func TestController_ConcurrentTryBegin(t *testing.T) {
	c := NewController()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.TryBegin(); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestController_State(t *testing.T) {
	c := NewController()
	assert.Equal(t, State{}, c.State())

	tk, _ := c.TryBegin()
	assert.Equal(t, State{Submitting: true}, c.State())

	require.True(t, c.Bind(tk, "h1", func() {}))
	assert.Equal(t, State{Submitting: true, SessionKey: "h1"}, c.State())

	c.Retarget(tk, "h2")
	assert.Equal(t, "h2", c.State().SessionKey)

	c.Finish(tk)
	assert.Equal(t, State{}, c.State())
}

func TestController_StopCancelsAndBlocksWrites(t *testing.T) {
	c := NewController()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk, _ := c.TryBegin()
	c.Bind(tk, "h1", cancel)

	writes := 0
	assert.True(t, c.Apply(tk, "h1", func() { writes++ }))

	assert.True(t, c.Stop())
	assert.Error(t, ctx.Err(), "context should be cancelled")
	assert.True(t, c.Cancelled(tk))
	assert.False(t, c.Active(tk))
	assert.Equal(t, State{}, c.State())

	assert.False(t, c.Apply(tk, "h1", func() { writes++ }), "no writes after stop")
	assert.Equal(t, 1, writes)

	assert.False(t, c.Stop(), "second Stop is a no-op")

	c.Finish(tk)
	assert.False(t, c.Cancelled(tk), "Finish clears the cancelled mark")
}

func TestController_ApplyRejectsWrongSession(t *testing.T) {
	c := NewController()
	tk, _ := c.TryBegin()
	c.Bind(tk, "h1", func() {})

	called := false
	assert.False(t, c.Apply(tk, "h2", func() { called = true }))
	assert.False(t, c.Apply(Ticket{}, "h1", func() { called = true }))
	assert.False(t, called)
}

func TestController_StaleTicket(t *testing.T) {
	c := NewController()
	old, _ := c.TryBegin()
	c.Bind(old, "h1", func() {})
	c.Stop()

	// 新一轮提交开始后，旧凭证不能影响它
	cur, ok := c.TryBegin()
	require.True(t, ok)
	c.Bind(cur, "h1", func() {})

	assert.False(t, c.Bind(old, "h9", func() {}))
	assert.False(t, c.Apply(old, "h1", func() {}))
	c.Finish(old)

	assert.True(t, c.Active(cur))
	assert.Equal(t, "h1", c.State().SessionKey)
}

func TestController_StopSession(t *testing.T) {
	c := NewController()
	tk, _ := c.TryBegin()

	var cancelled bool
	c.Bind(tk, "h1", func() { cancelled = true })

	assert.False(t, c.StopSession("h2"))
	assert.False(t, cancelled)

	assert.True(t, c.StopSession("h1"))
	assert.True(t, cancelled)
	assert.False(t, c.StopSession("h1"))
}

func TestController_StopSessionIgnoresNextSubmission(t *testing.T) {
	c := NewController()

	first, _ := c.TryBegin()
	c.Bind(first, "h1", func() {})
	c.Finish(first)

	// 未绑定会话时不匹配任何句柄
	next, _ := c.TryBegin()
	assert.False(t, c.StopSession(""))

	var cancelled bool
	c.Bind(next, "h2", func() { cancelled = true })
	assert.False(t, c.StopSession("h1"))
	assert.False(t, cancelled)
	assert.True(t, c.Active(next))
	assert.False(t, c.Cancelled(next))
}

func TestController_StopBeforeBind(t *testing.T) {
	c := NewController()
	tk, _ := c.TryBegin()

	assert.True(t, c.Stop())
	assert.False(t, c.Bind(tk, "h1", func() {}), "Bind after Stop should fail")
	assert.True(t, c.Cancelled(tk))
}

func TestController_FinishReleasesContext(t *testing.T) {
	c := NewController()
	ctx, cancel := context.WithCancel(context.Background())

	tk, _ := c.TryBegin()
	c.Bind(tk, "h1", cancel)
	c.Finish(tk)

	assert.Error(t, ctx.Err())
}
