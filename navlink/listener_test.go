package navlink

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/watchtower/msgbus"
	"github.com/jmcleod/watchtower/storage/memory"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestSubscribePostMessage_FiltersByTypeAndPayload(t *testing.T) {
	bus := msgbus.New()
	var got []Target
	unsubscribe := SubscribePostMessage(bus, func(t Target) { got = append(got, t) })
	defer unsubscribe()

	require.NoError(t, bus.Post(msgbus.Message{Type: "other", Origin: "x", Data: json.RawMessage(`{"profileType":"event","entityId":"e0"}`)}))
	require.NoError(t, bus.Post(msgbus.Message{Type: MessageType, Origin: "x", Data: json.RawMessage(`{"profileType":"event"}`)}))
	require.NoError(t, bus.Post(msgbus.Message{Type: MessageType, Origin: "x", Data: json.RawMessage(`garbage`)}))
	require.NoError(t, Post(bus, "x", Target{ProfileEvent, "e1"}, epoch))

	assert.Equal(t, []Target{{ProfileEvent, "e1"}}, got)
}

func TestSubscribePostMessage_NoCallbackAfterUnsubscribe(t *testing.T) {
	bus := msgbus.New()
	calls := 0
	unsubscribe := SubscribePostMessage(bus, func(Target) { calls++ })

	require.NoError(t, Post(bus, "x", Target{ProfileEvent, "e1"}, epoch))
	unsubscribe()
	require.NoError(t, Post(bus, "x", Target{ProfileEvent, "e2"}, epoch))

	assert.Equal(t, 1, calls)
}

func TestSubscribeCrossTab(t *testing.T) {
	area := memory.NewArea()
	sender := area.Context("tab-a")
	receiver := area.Context("tab-b")

	var got []Target
	unsubscribe := SubscribeCrossTab(receiver, func(t Target) { got = append(got, t) })

	// Writes to other keys, deletes and malformed values are ignored.
	require.NoError(t, sender.Set("unrelated", `{"profileType":"event","entityId":"e0"}`))
	require.NoError(t, sender.Set(PendingKey, "not json"))
	require.NoError(t, sender.Delete(PendingKey))

	require.NoError(t, PublishCrossTab(sender, Target{ProfileOrganization, "o1"}, epoch))
	// Same target again is still a change because of the timestamp.
	require.NoError(t, PublishCrossTab(sender, Target{ProfileOrganization, "o1"}, epoch.Add(1)))
	assert.Equal(t, []Target{{ProfileOrganization, "o1"}}, got[:1])
	assert.Len(t, got, 2)

	// The writing context never sees its own writes.
	var own []Target
	stopOwn := SubscribeCrossTab(sender, func(t Target) { own = append(own, t) })
	defer stopOwn()
	require.NoError(t, PublishCrossTab(sender, Target{ProfileEvent, "e2"}, epoch))
	assert.Empty(t, own)

	unsubscribe()
	require.NoError(t, PublishCrossTab(sender, Target{ProfileEvent, "e3"}, epoch))
	assert.Len(t, got, 3)
	assert.Equal(t, Target{ProfileEvent, "e2"}, got[2])
}

func TestPost_RejectsInvalidTarget(t *testing.T) {
	bus := msgbus.New()
	assert.ErrorIs(t, Post(bus, "x", Target{"bogus", "1"}, epoch), ErrUnknownProfile)
	assert.ErrorIs(t, PublishCrossTab(memory.NewStore(), Target{ProfileEvent, ""}, epoch), ErrEmptyEntityID)
}
