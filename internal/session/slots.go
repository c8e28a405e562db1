package session

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultToken is the slot shared by callers that do not identify a session.
// Uploads into it are last writer wins.
const DefaultToken = "default"

var tokenPattern = regexp.MustCompile(`^[\w-]{1,128}$`)

// ValidateToken checks that a caller supplied token is safe to use as a
// storage key component.
func ValidateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return fmt.Errorf("invalid session id '%s': only alphanumeric characters, underscores, and hyphens are allowed", token)
	}
	return nil
}

// Archive is the training archive currently designated for a session.
type Archive struct {
	UploadId  uuid.UUID
	Bucket    string
	Key       string
	Name      string
	Entries   int
	CreatedAt time.Time
}

// Slots maps session tokens to their current training archive. Entries expire
// after the configured ttl, at which point onRelease is invoked so the stored
// archive can be removed.
type Slots struct {
	cache     *cache.Cache
	onRelease func(Archive)
}

func NewSlots(ttl time.Duration, onRelease func(Archive)) *Slots {
	return newSlots(ttl, cleanupInterval(ttl), onRelease)
}

func newSlots(ttl, cleanup time.Duration, onRelease func(Archive)) *Slots {
	c := cache.New(ttl, cleanup)
	s := &Slots{cache: c, onRelease: onRelease}
	c.OnEvicted(func(_ string, value interface{}) {
		if archive, ok := value.(Archive); ok {
			s.release(archive)
		}
	})
	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return min(ttl, 10*time.Minute)
}

func (s *Slots) release(archive Archive) {
	if s.onRelease != nil {
		s.onRelease(archive)
	}
}

// Set designates archive as current for token. The archive it replaces, if
// any, is released.
func (s *Slots) Set(token string, archive Archive) {
	// Overwriting an expired entry that the janitor has not collected yet would
	// drop it without calling OnEvicted.
	s.cache.DeleteExpired()

	previous, found := s.Get(token)
	s.cache.SetDefault(token, archive)
	if found && previous.UploadId != archive.UploadId {
		s.release(previous)
	}
}

func (s *Slots) Get(token string) (Archive, bool) {
	value, found := s.cache.Get(token)
	if !found {
		return Archive{}, false
	}
	archive, ok := value.(Archive)
	return archive, ok
}

func (s *Slots) Len() int {
	return s.cache.ItemCount()
}
