package mlxdispatch

import (
	"sync"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// HandleState is a ModelHandle's lifecycle state.
type HandleState string

const (
	HandleLoading  HandleState = "loading"
	HandleReady    HandleState = "ready"
	HandleFailed   HandleState = "failed"
	HandleEvicting HandleState = "evicting"
)

// Descriptor describes a loaded model, mirroring the child's load_model
// result shape.
type Descriptor struct {
	ID            string
	Source        string // local|huggingface
	Modality      string // text|vision
	Family        string
	ContextLength int
}

// ModelHandle is the caller-visible record for one loaded model. Handles
// are looked up by ModelID, never dereferenced by pointer, so that
// invalidation is just an arena delete.
type ModelHandle struct {
	ModelID      string
	Revision     string
	Quantization string
	State        HandleState
	Descriptor   Descriptor
	Draft        bool
	LoadedAt     time.Time
	LastAccess   time.Time
	AccessCount  int64
}

func descriptorFromWire(d wire.Descriptor) Descriptor {
	return Descriptor{ID: d.ID, Source: d.Source, Modality: d.Modality, Family: d.Family, ContextLength: d.ContextLength}
}

// handleArena owns every ModelHandle currently known to the facade. At most
// one handle per modelId may be State == HandleReady at a time.
type handleArena struct {
	mu      sync.Mutex
	handles map[string]*ModelHandle
}

func newHandleArena() *handleArena {
	return &handleArena{handles: make(map[string]*ModelHandle)}
}

func (a *handleArena) put(h *ModelHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handles[h.ModelID] = h
}

func (a *handleArena) get(modelID string) (*ModelHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[modelID]
	return h, ok
}

func (a *handleArena) delete(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handles, modelID)
}

// touch records an access against modelID, for LastAccess/AccessCount.
func (a *handleArena) touch(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handles[modelID]; ok {
		h.LastAccess = time.Now()
		h.AccessCount++
	}
}

// list returns a snapshot of every known handle, in no particular order.
func (a *handleArena) list() []ModelHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ModelHandle, 0, len(a.handles))
	for _, h := range a.handles {
		out = append(out, *h)
	}
	return out
}

// readyModelIDs returns the modelIds of every handle currently State ==
// HandleReady. Used by the reconciler to diff against the child's reported
// loaded_models set.
func (a *handleArena) readyModelIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.handles))
	for id, h := range a.handles {
		if h.State == HandleReady {
			out = append(out, id)
		}
	}
	return out
}

// invalidateAll transitions every ready handle to not-present, returning the
// modelIds that were invalidated. Used on subprocess restart, since a
// restart transitions every ready handle to invalidated.
func (a *handleArena) invalidateAll() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var invalidated []string
	for id, h := range a.handles {
		if h.State == HandleReady {
			invalidated = append(invalidated, id)
		}
		delete(a.handles, id)
	}
	return invalidated
}
