package dispatch

import "github.com/vk/buildgridgo/internal/build"

// waitRequest parks one blocked worker until its artifact is recorded with
// a matching-or-stronger kind. Every parked request refers to a worker that
// is still running.
type waitRequest struct {
	w        *worker
	artifact build.Artifact
	kind     build.DepKind
}

// Registry holds the artifacts produced so far in this run plus the waiting
// set of unmatched requests. It is pure state owned exclusively by the
// dispatcher goroutine, so it needs no locking. The artifact set is
// monotonic: entries are added and upgraded, never removed.
type Registry struct {
	artifacts map[build.Artifact]build.DepKind
	waiting   []waitRequest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{artifacts: make(map[build.Artifact]build.DepKind)}
}

// Add records an artifact with the given kind. Re-adding an artifact that
// already satisfies the kind is a no-op; recording a structural kind over a
// usage entry upgrades it. Reports whether the call changed the registry,
// so callers can skip waiter matching on idempotent republishes.
func (r *Registry) Add(artifact build.Artifact, kind build.DepKind) bool {
	cur, ok := r.artifacts[artifact]
	if ok && cur.Satisfies(kind) {
		return false
	}
	r.artifacts[artifact] = kind
	return true
}

// Contains reports whether a request for the artifact with the given kind
// is already satisfied by the recorded contents.
func (r *Registry) Contains(artifact build.Artifact, kind build.DepKind) bool {
	cur, ok := r.artifacts[artifact]
	return ok && cur.Satisfies(kind)
}

// Len returns how many distinct artifacts have been recorded.
func (r *Registry) Len() int { return len(r.artifacts) }

// Enqueue parks an unmatched wait request in the waiting set.
func (r *Registry) Enqueue(req waitRequest) {
	r.waiting = append(r.waiting, req)
}

// WaitingLen returns the number of parked wait requests.
func (r *Registry) WaitingLen() int { return len(r.waiting) }

// MatchWaiters removes and returns, in enqueue order, the workers whose
// parked request for the given artifact is satisfied by the registry's
// current contents.
func (r *Registry) MatchWaiters(artifact build.Artifact) []*worker {
	var matched []*worker
	rest := r.waiting[:0]
	for _, req := range r.waiting {
		if req.artifact == artifact && r.Contains(artifact, req.kind) {
			matched = append(matched, req.w)
		} else {
			rest = append(rest, req)
		}
	}
	r.waiting = rest
	return matched
}

// ReleaseAll empties the waiting set and returns every parked worker. Used
// during deadlock and cascade resolution, where the parked dependencies can
// never arrive.
func (r *Registry) ReleaseAll() []*worker {
	released := make([]*worker, 0, len(r.waiting))
	for _, req := range r.waiting {
		released = append(released, req.w)
	}
	r.waiting = r.waiting[:0]
	return released
}
