package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/provider"
)

func TestRegistry_RoutesByChannel(t *testing.T) {
	r := provider.NewRegistry()
	var sent domain.Channel
	r.Register(domain.ChannelPush, provider.SenderFunc(func(_ context.Context, c domain.ContactData, _ *domain.Content) (*provider.SendResult, error) {
		sent = c.Channel
		return &provider.SendResult{MessageID: "p-1"}, nil
	}))

	res, err := r.Send(context.Background(), domain.ContactData{Channel: domain.ChannelPush, Address: "tok"}, testContent)
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.MessageID)
	assert.Equal(t, domain.ChannelPush, sent)
	assert.Equal(t, []domain.Channel{domain.ChannelPush}, r.Channels())
}

func TestRegistry_MissingSenderIsUnsupported(t *testing.T) {
	r := provider.NewRegistry()

	_, err := r.Send(context.Background(), domain.ContactData{Channel: domain.ChannelEmail, Address: "a@b.c"}, testContent)
	chErr, ok := domain.AsChannelError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonChannelUnsupported, chErr.Reason)
	assert.False(t, domain.IsTransient(err))
}
