package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claimRecord struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Issuer string `json:"issuer,omitempty"`
}

type loginRecord struct {
	Provider    string
	ProviderKey string
}

func roundTrip[T any](t *testing.T, items []T) []T {
	t.Helper()
	c := NewJSON[T]()
	blob, err := c.Encode(items)
	require.NoError(t, err)
	decoded, present, err := c.Decode(&blob)
	require.NoError(t, err)
	require.True(t, present)
	return decoded
}

func TestRoundTripPreservesOrder(t *testing.T) {
	claims := []claimRecord{
		{Type: "role", Value: "b"},
		{Type: "role", Value: "a", Issuer: "LOCAL AUTHORITY"},
		{Type: "email", Value: "x@example.com"},
	}
	assert.Equal(t, claims, roundTrip(t, claims))

	roles := []string{"writers", "admins", "writers"}
	assert.Equal(t, roles, roundTrip(t, roles))

	logins := []loginRecord{{"google", "g-123"}, {"github", "77"}}
	assert.Equal(t, logins, roundTrip(t, logins))
}

func TestRoundTripEmptySequence(t *testing.T) {
	assert.Equal(t, []string{}, roundTrip(t, []string{}))
	assert.Equal(t, []string{}, roundTrip[string](t, nil))
}

func TestEncodeEmptyIsEmptyArray(t *testing.T) {
	blob, err := NewJSON[loginRecord]().Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", blob)
}

func TestDecodeDistinguishesAbsentFromEmpty(t *testing.T) {
	c := NewJSON[string]()

	items, present, err := c.Decode(nil)
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, items)

	empty := ""
	items, present, err = c.Decode(&empty)
	require.NoError(t, err)
	assert.True(t, present)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestDecodeRejectsMalformedBlob(t *testing.T) {
	blob := `{"not":"an array"}`
	_, present, err := NewJSON[string]().Decode(&blob)
	assert.True(t, present)
	assert.Error(t, err)
}
