package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
)

func visibleMsg(id string, created time.Time) model.ChatMessage {
	return model.ChatMessage{ID: id, Content: id, CreatedAt: created, VisibleUntil: created.Add(5 * time.Second)}
}

func TestVisibleAddRejectsDuplicatesAndExpired(t *testing.T) {
	clk := clock.NewFake(t0)
	v := NewVisible(clk, nil)
	defer v.Close()

	assert.True(t, v.Add(visibleMsg("a", t0)))
	assert.False(t, v.Add(visibleMsg("a", t0)), "duplicate from poll and push")
	assert.False(t, v.Add(visibleMsg("old", t0.Add(-10*time.Second))))
	assert.Equal(t, 1, clk.Pending())
}

func TestVisibleExpiresInOrder(t *testing.T) {
	clk := clock.NewFake(t0)
	var expired []string
	v := NewVisible(clk, func(m model.ChatMessage) { expired = append(expired, m.ID) })
	defer v.Close()

	v.Add(visibleMsg("b", t0.Add(2*time.Second)))
	v.Add(visibleMsg("a", t0))

	assert.Equal(t, []string{"a", "b"}, idsOf(v.Active()))

	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{"a"}, expired)
	assert.Equal(t, []string{"b"}, idsOf(v.Active()))

	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, expired)
	assert.Empty(t, v.Active())
}

func TestVisibleCloseCancelsTimers(t *testing.T) {
	clk := clock.NewFake(t0)
	called := false
	v := NewVisible(clk, func(model.ChatMessage) { called = true })
	v.Add(visibleMsg("a", t0))

	v.Close()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.False(t, called)
	assert.False(t, v.Add(visibleMsg("b", clk.Now())))
}

func idsOf(msgs []model.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
