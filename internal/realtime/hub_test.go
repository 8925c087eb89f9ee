package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubLastDisconnectOnly(t *testing.T) {
	var offline []string
	h := NewHub(discardLogger(), func(_ context.Context, id string) { offline = append(offline, id) })
	ctx := context.Background()

	assert.Equal(t, 1, h.Connect("alice"))
	assert.Equal(t, 2, h.Connect("alice"))
	h.Connect("bob")
	assert.Equal(t, []string{"alice", "bob"}, h.Connected())

	assert.False(t, h.Disconnect(ctx, "alice"))
	assert.Empty(t, offline)
	assert.Equal(t, 1, h.Count("alice"))

	assert.True(t, h.Disconnect(ctx, "alice"))
	assert.Equal(t, []string{"alice"}, offline)
	assert.Equal(t, []string{"bob"}, h.Connected())
}

func TestHubDisconnectUnknown(t *testing.T) {
	called := false
	h := NewHub(discardLogger(), func(context.Context, string) { called = true })

	assert.False(t, h.Disconnect(context.Background(), "ghost"))
	assert.False(t, called)
}
