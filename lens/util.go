package lens

import (
	"crypto/sha1"
	"hash"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// probeDebugLogging enables verbose logging of values which could not be read from the debugger.
const probeDebugLogging = false

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// limitStringLines keeps the first (head) or last count lines of s.
func limitStringLines(s string, count int, head bool) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= count {
		return s
	}
	if head {
		lines = lines[:count]
	} else {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(257) // prime for distribution
}

// newStripedMutex creates a keyed mutex with the given number of stripes.
func newStripedMutex(stripes uint) *stripedMutex {
	m := &stripedMutex{
		locks: make([]sync.Mutex, stripes),
		pool:  &sync.Pool{New: func() interface{} { return fnv.New64() }},
	}
	return m
}

type stripedMutex struct {
	locks []sync.Mutex
	pool  *sync.Pool
}

// Lock acquires the stripe for key, returning it for unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := m.stripe(key)
	l.Lock()
	return l
}

func (m *stripedMutex) stripe(key string) *sync.Mutex {
	h := m.pool.Get().(hash.Hash64)
	defer m.pool.Put(h)
	h.Reset()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum64()%uint64(len(m.locks))]
}

// stringKey reduces str to at most 20 bytes for use as an internal map or cache key. The result is
// NOT valid UTF-8 and must never be exposed.
func stringKey(str string) string {
	if len(str) <= sha1.Size {
		return str
	}
	return bytesKey([]byte(str))
}

// bytesKey is the []byte form of stringKey.
func bytesKey(b []byte) string {
	if len(b) <= sha1.Size {
		return string(b)
	}
	sum := sha1.Sum(b)
	return string(sum[:])
}
