package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueAndV4(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Equal(t, 4, int(id.Version()))
		assert.NotEqual(t, Nil, id)
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := New()
	got, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Parse("not-an-id")
	assert.Error(t, err)
}

func TestNewAttachmentName(t *testing.T) {
	a := NewAttachmentName()
	b := NewAttachmentName()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestNowUsesClock(t *testing.T) {
	orig := Clock
	t.Cleanup(func() { Clock = orig })

	Clock = func() time.Time { return time.Unix(1700000000, 0) }
	assert.Equal(t, int64(1700000000), Now())
}
