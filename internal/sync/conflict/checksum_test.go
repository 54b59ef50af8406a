package conflict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

func decodeEntity(t *testing.T, s string) models.Entity {
	t.Helper()
	var e models.Entity
	require.NoError(t, json.Unmarshal([]byte(s), &e))
	return e
}

func TestChecksum_keyOrderIndependent(t *testing.T) {
	a := decodeEntity(t, `{"b":{"y":2,"x":[1,{"q":1,"p":2}]},"a":"one"}`)
	b := decodeEntity(t, `{"a":"one","b":{"x":[1,{"p":2,"q":1}],"y":2}}`)

	sa, err := Checksum(a)
	require.NoError(t, err)
	sb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	raw, err := Checksum(json.RawMessage(`{"b":{"x":[1,{"q":1,"p":2}],"y":2},"a":"one"}`))
	require.NoError(t, err)
	assert.Equal(t, sa, raw)
}

func TestChecksum_knownValue(t *testing.T) {
	sum, err := Checksum(models.Entity{"b": []any{1, 2}, "a": 1})
	require.NoError(t, err)
	// sha256 of {"a":1,"b":[1,2]}
	assert.Equal(t, "8baa73198470c7bb4c3ce142a8fd651affc0310d878bb9bd159e37a573fb4874", sum)
}

func TestChecksum_valueChange(t *testing.T) {
	a, err := Checksum(models.Entity{"painLevel": 6})
	require.NoError(t, err)
	b, err := Checksum(models.Entity{"painLevel": 7})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestChecksum_unencodable(t *testing.T) {
	_, err := Checksum(map[string]any{"f": func() {}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChecksumFailed))
}
