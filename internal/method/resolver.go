package method

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/getsentry/threadprof/internal/errorutil"
)

// DefaultCacheSize bounds the number of memoized method names.
const DefaultCacheSize = 1 << 16

// Lookup is the part of the host runtime able to describe a method handle.
type Lookup interface {
	MethodName(h Handle) (string, error)
	MethodDeclaringClass(h Handle) (ClassID, error)
	ClassSignature(c ClassID) (string, error)
}

type ResolutionError struct {
	Handle Handle
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: handle %s: %v", errorutil.ErrResolution, e.Handle, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func (e *ResolutionError) Is(target error) bool {
	return target == errorutil.ErrResolution
}

type ResolverStats struct {
	Hits     uint64
	Misses   uint64
	Failures uint64
}

// Resolver memoizes handle to name lookups. It is safe for concurrent use.
// Failed lookups are not memoized.
type Resolver struct {
	lookup Lookup
	cache  *lru.Cache[Handle, QualifiedName]

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

func NewResolver(lookup Lookup, size int) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[Handle, QualifiedName](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{lookup: lookup, cache: cache}, nil
}

func (r *Resolver) Resolve(h Handle) (QualifiedName, error) {
	if n, ok := r.cache.Get(h); ok {
		r.hits.Add(1)
		return n, nil
	}
	r.misses.Add(1)
	n, err := r.lookupName(h)
	if err != nil {
		r.failures.Add(1)
		return QualifiedName{}, &ResolutionError{Handle: h, Err: err}
	}
	r.cache.Add(h, n)
	return n, nil
}

func (r *Resolver) lookupName(h Handle) (QualifiedName, error) {
	name, err := r.lookup.MethodName(h)
	if err != nil {
		return QualifiedName{}, err
	}
	classID, err := r.lookup.MethodDeclaringClass(h)
	if err != nil {
		return QualifiedName{}, err
	}
	sig, err := r.lookup.ClassSignature(classID)
	if err != nil {
		return QualifiedName{}, err
	}
	return QualifiedName{Class: ClassNameFromSignature(sig), Method: name}, nil
}

// Forget drops the memoized name of h, if any. Runtimes may hand out a
// handle again once the class declaring it is unloaded.
func (r *Resolver) Forget(h Handle) {
	r.cache.Remove(h)
}

// Len returns the number of memoized names.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Hits:     r.hits.Load(),
		Misses:   r.misses.Load(),
		Failures: r.failures.Load(),
	}
}
