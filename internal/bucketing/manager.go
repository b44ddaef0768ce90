package bucketing

import (
	"hash"
	"sync"
	"time"

	"verify-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable buckets for partitioning: phone buckets spread
// the history table across partitions, time buckets group audit events.
type Manager struct {
	phoneBuckets int
	timeBuckets  int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		phoneBuckets: cfg.Bucketing.PhoneBuckets,
		timeBuckets:  cfg.Bucketing.TimeBuckets,
	}

	// Pool the hashers to avoid per-call allocation on hot paths.
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// PhoneBucket returns a consistent bucket in [0, phoneBuckets) for a
// phone hash. The same number always lands in the same partition.
func (m *Manager) PhoneBucket(phoneHash string) int {
	return int(m.hash(phoneHash) % uint64(m.phoneBuckets))
}

// EventBucket returns a bucket in [0, timeBuckets) for an event key.
func (m *Manager) EventBucket(key string) int {
	return int(m.hash(key) % uint64(m.timeBuckets))
}

// TimeBucket truncates the current time to a window boundary, in unix
// seconds. Used to group audit rows written in the same window.
func (m *Manager) TimeBucket(window time.Duration) int64 {
	w := int64(window / time.Second)
	return time.Now().Unix() / w * w
}

// DateBucket returns the current UTC date, the coarsest audit partition.
func (m *Manager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (m *Manager) PhoneBuckets() int {
	return m.phoneBuckets
}
