package worker

import (
	"sync"

	"bucketsyncer/internal/storage"
)

// SizeClass separates objects that fit in one request from those that do not.
type SizeClass int

const (
	SizeSmall SizeClass = iota
	SizeLarge
)

func (s SizeClass) String() string {
	if s == SizeLarge {
		return "large"
	}
	return "small"
}

// AnyKind matches every provider kind in a route.
const AnyKind storage.Kind = "*"

// Factory constructs a copy job for one source object.
type Factory func(env *Env, rec storage.ObjectRecord) Job

type route struct {
	src, dst storage.Kind
	size     SizeClass
}

// Registry maps (source kind, destination kind, size class) to a job factory.
type Registry struct {
	mu     sync.RWMutex
	routes map[route]Factory
}

// NewRegistry returns a registry whose only routes stream bytes through the
// process, which works between any two backends.
func NewRegistry() *Registry {
	r := &Registry{routes: make(map[route]Factory)}
	r.Register(AnyKind, AnyKind, SizeSmall, NewStreamCopyJob)
	r.Register(AnyKind, AnyKind, SizeLarge, NewStreamCopyJob)
	return r
}

// DefaultRegistry returns the built-in routes: server-side copies within
// S3, MinIO and GCS, and streaming for everything else.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, kind := range []storage.Kind{storage.KindS3, storage.KindMinIO} {
		r.Register(kind, kind, SizeSmall, NewCopyJob)
		r.Register(kind, kind, SizeLarge, NewMultipartCopyJob)
	}
	r.Register(storage.KindGCS, storage.KindGCS, SizeSmall, NewCopyJob)
	r.Register(storage.KindGCS, storage.KindGCS, SizeLarge, NewCopyJob)
	return r
}

// Register sets the factory for a route. Either kind may be AnyKind.
func (r *Registry) Register(src, dst storage.Kind, size SizeClass, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{src: src, dst: dst, size: size}] = f
}

// Lookup finds the most specific factory for a route, trying the exact
// pair first and wildcards after.
func (r *Registry) Lookup(src, dst storage.Kind, size SizeClass) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []route{
		{src, dst, size},
		{src, AnyKind, size},
		{AnyKind, dst, size},
		{AnyKind, AnyKind, size},
	} {
		if f, ok := r.routes[key]; ok {
			return f, true
		}
	}
	return nil, false
}

// Resolve returns the factory for a route. Stores that do not share a server
// cannot copy server-side, so they always take the wildcard route.
func (r *Registry) Resolve(src, dst storage.Kind, size SizeClass, shared bool) Factory {
	if !shared {
		src, dst = AnyKind, AnyKind
	}
	if f, ok := r.Lookup(src, dst, size); ok {
		return f
	}
	return NewStreamCopyJob
}
