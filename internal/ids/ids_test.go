package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	got, ok := Time(NewAt(at))
	require.True(t, ok)
	assert.True(t, got.Equal(at), "got %v", got)

	_, ok = Time("not-a-ulid")
	assert.False(t, ok)
}

func TestTokenAndRequestIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTokenID(), NewTokenID())
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
