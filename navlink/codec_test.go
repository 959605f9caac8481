package navlink

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHash_RoundTrip(t *testing.T) {
	ids := []string{"event-123", "a:b:c", "ünïcødé/β", "with space", "?&#="}
	for _, p := range ProfileTypes() {
		for _, id := range ids {
			in := Target{Profile: p, EntityID: id}
			hash := EncodeHash(in)
			assert.Regexp(t, `^#xid_[A-Za-z0-9_-]+$`, hash)

			got, ok := ParseHash(hash)
			require.True(t, ok, "hash %q", hash)
			assert.Equal(t, in, got)
		}
	}
}

func TestParseHash(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name string
		hash string
		want Target
		ok   bool
	}{
		{"without leading hash", "xid_" + enc("event:e1"), Target{ProfileEvent, "e1"}, true},
		{"padded standard alphabet", "#xid_" + base64.StdEncoding.EncodeToString([]byte("equipment:x?>")), Target{ProfileEquipment, "x?>"}, true},
		{"missing separator", "#xid_" + enc("e1"), Target{EntityID: "e1"}, true},
		{"unknown profile", "#xid_" + enc("vehicle:v1"), Target{EntityID: "vehicle:v1"}, true},
		{"empty id", "#xid_" + enc("event:"), Target{}, false},
		{"no prefix", "#section-2", Target{}, false},
		{"empty payload", "#xid_", Target{}, false},
		{"garbled base64", "#xid_!!!*", Target{}, false},
		{"empty", "", Target{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseHash(tt.hash)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	m := NewMessage(Target{ProfileNSAGActor, "n-9"}, now)

	raw, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"profileType":"nsagActor","entityId":"n-9","timestamp":1700000000123}`, raw)

	got, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, Target{ProfileNSAGActor, "n-9"}, got.Target())
}

func TestDecodeMessage_Invalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"profileType":"vehicle","entityId":"v1"}`,
		`{"profileType":"event","entityId":""}`,
		`{}`,
	} {
		_, err := DecodeMessage([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestParseProfileType(t *testing.T) {
	p, err := ParseProfileType("militaryGroup")
	require.NoError(t, err)
	assert.Equal(t, ProfileMilitaryGroup, p)

	_, err = ParseProfileType("MilitaryGroup")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestTarget_Validate(t *testing.T) {
	assert.NoError(t, Target{ProfileEvent, "e"}.Validate())
	assert.ErrorIs(t, Target{"bogus", "e"}.Validate(), ErrUnknownProfile)
	assert.ErrorIs(t, Target{ProfileEvent, ""}.Validate(), ErrEmptyEntityID)
}
