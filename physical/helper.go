package physical

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"golang.org/x/crypto/blake2b"
)

// DecodeJSONFromReader decodes JSON from r into out, keeping integers as
// json.Number instead of float64 so large values survive the round trip.
func DecodeJSONFromReader(r io.Reader, out interface{}) error {
	if r == nil {
		return errors.New("'io.Reader' being decoded is nil")
	}
	if out == nil {
		return errors.New("output parameter 'out' is nil")
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(out)
}

// LockCount is the size of the striped lock pool.
const LockCount = 256

type LockEntry struct {
	sync.RWMutex
}

// CreateLocks returns the fixed pool of striped locks. Callers that hold
// more than one at a time must take them in slice order, otherwise two
// goroutines can take a pair of locks in opposite orders and deadlock.
func CreateLocks() []*LockEntry {
	ret := make([]*LockEntry, LockCount)
	for i := range ret {
		ret[i] = new(LockEntry)
	}
	return ret
}

// LockForKey picks the stripe for key from the first byte of its
// blake2b-256 digest.
func LockForKey(locks []*LockEntry, key string) *LockEntry {
	hf, _ := blake2b.New256(nil)
	hf.Write([]byte(key))
	return locks[hf.Sum(nil)[0]]
}

// PathManager is a prefix-searchable set of storage paths. The cache
// uses it to hold paths that must never be served from memory.
type PathManager struct {
	l     sync.RWMutex
	paths *iradix.Tree
}

func NewPathManager() *PathManager {
	return &PathManager{
		paths: iradix.New(),
	}
}

// AddPaths indexes the given prefixes. A leading "!" marks an exception
// that punches a hole in a broader prefix; a trailing "*" is stripped so
// a prefix can fully specify a single entry.
func (p *PathManager) AddPaths(paths []string) {
	p.l.Lock()
	defer p.l.Unlock()

	txn := p.paths.Txn()
	for _, prefix := range paths {
		if len(prefix) == 0 {
			continue
		}

		var exception bool
		if strings.HasPrefix(prefix, "!") {
			prefix = strings.TrimPrefix(prefix, "!")
			exception = true
		}

		txn.Insert([]byte(strings.TrimSuffix(prefix, "*")), exception)
	}
	p.paths = txn.Commit()
}

// HasPath reports whether path falls under one of the indexed prefixes,
// honoring exceptions.
func (p *PathManager) HasPath(path string) bool {
	p.l.RLock()
	defer p.l.RUnlock()

	if _, exceptionRaw, ok := p.paths.Root().LongestPrefix([]byte(path)); ok {
		var exception bool
		if exceptionRaw != nil {
			exception = exceptionRaw.(bool)
		}
		return !exception
	}
	return false
}
