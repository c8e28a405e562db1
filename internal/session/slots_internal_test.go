package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReleasesExpiredBeforeCleanup(t *testing.T) {
	var released []uuid.UUID
	// No janitor, so the expired entry is still in the cache when Set runs.
	slots := newSlots(20*time.Millisecond, 0, func(a Archive) {
		released = append(released, a.UploadId)
	})

	first := Archive{UploadId: uuid.New()}
	second := Archive{UploadId: uuid.New()}

	slots.Set("token", first)
	time.Sleep(40 * time.Millisecond)

	_, ok := slots.Get("token")
	require.False(t, ok)

	slots.Set("token", second)
	assert.Equal(t, []uuid.UUID{first.UploadId}, released)

	got, ok := slots.Get("token")
	require.True(t, ok)
	assert.Equal(t, second.UploadId, got.UploadId)
}
