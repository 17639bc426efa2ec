// Package registry assigns opaque integer identities to native object
// handles and resolves an identity back to a raw pointer, or signals that
// the object is gone.
//
// A Registry is owned by the loop goroutine and is not safe for
// concurrent use. Removal requests that originate elsewhere (host-runtime
// finalizers in particular) must be scheduled onto the loop goroutine,
// never executed inline.
package registry

import (
	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
	"github.com/wippyai/native-bridge/value"
)

// EntryKind classifies what a registered identity points at.
type EntryKind uint8

const (
	// EntryObject is a reference-counted native object.
	EntryObject EntryKind = iota
	// EntryBoxed is a heap-boxed struct, optionally owning a copy.
	EntryBoxed
	// EntryVariant is a ref-counted variant.
	EntryVariant
)

var entryKindNames = [...]string{
	EntryObject:  "object",
	EntryBoxed:   "boxed",
	EntryVariant: "variant",
}

func (k EntryKind) String() string {
	if int(k) < len(entryKindNames) {
		return entryKindNames[k]
	}
	return "unknown"
}

type entry struct {
	typeName string
	lib      string
	ptr      nativebridge.Ptr
	kind     EntryKind
	owned    bool
}

// Registry maps identities to native pointers. Identities increase
// monotonically and are never reused, so a stale identity can always be
// told apart from a live one.
type Registry struct {
	backend nativebridge.Backend
	entries map[value.ObjectID]entry
	nextID  uint64
}

// New creates an empty registry releasing resources through backend.
func New(backend nativebridge.Backend) *Registry {
	return &Registry{
		backend: backend,
		entries: make(map[value.ObjectID]entry),
		nextID:  1,
	}
}

func (r *Registry) insert(e entry) value.ObjectID {
	id := value.ObjectID(r.nextID)
	r.nextID++
	r.entries[id] = e
	return id
}

// RegisterObject registers a reference-counted object. A borrowed pointer
// gets a new reference taken on it; an owned pointer's transferred
// reference is adopted. Either way the registry holds one reference and
// releases it on Remove.
func (r *Registry) RegisterObject(ptr nativebridge.Ptr, borrowed bool) (value.ObjectID, error) {
	if borrowed {
		if err := r.backend.RefObject(ptr); err != nil {
			return 0, err
		}
	}
	return r.insert(entry{kind: EntryObject, ptr: ptr, owned: true}), nil
}

// RegisterBoxed registers a heap-boxed struct. A borrowed pointer is deep
// copied when the backend knows the type; if the copy is impossible the
// entry stays a plain borrow and Remove releases nothing. An owned
// pointer is adopted and freed on Remove. lib names the library owning
// the boxed type, empty when unqualified.
func (r *Registry) RegisterBoxed(ptr nativebridge.Ptr, typeName, lib string, borrowed bool) (value.ObjectID, error) {
	owned := true
	if borrowed {
		copied, err := r.backend.CopyBoxed(typeName, lib, ptr)
		if err == nil {
			ptr = copied
		} else {
			nativebridge.Logger().Debug("boxed copy unavailable, keeping borrow",
				zap.String("type", typeName), zap.Error(err))
			owned = false
		}
	}
	return r.insert(entry{kind: EntryBoxed, ptr: ptr, typeName: typeName, lib: lib, owned: owned}), nil
}

// RegisterVariant registers a ref-counted variant. A borrowed pointer is
// ref-sunk so the registry owns a full reference; an owned pointer's
// reference is adopted.
func (r *Registry) RegisterVariant(ptr nativebridge.Ptr, borrowed bool) (value.ObjectID, error) {
	if borrowed {
		if err := r.backend.SinkVariant(ptr); err != nil {
			return 0, err
		}
	}
	return r.insert(entry{kind: EntryVariant, ptr: ptr, owned: true}), nil
}

// Resolve returns the native pointer for id, or false if the identity was
// removed (or never existed).
func (r *Registry) Resolve(id value.ObjectID) (nativebridge.Ptr, bool) {
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.ptr, true
}

// Kind returns the entry kind for a live identity.
func (r *Registry) Kind(id value.ObjectID) (EntryKind, bool) {
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// TypeName returns the boxed type name for a live boxed identity.
func (r *Registry) TypeName(id value.ObjectID) (string, bool) {
	e, ok := r.entries[id]
	if !ok || e.kind != EntryBoxed {
		return "", false
	}
	return e.typeName, true
}

// Remove drops an identity and releases whatever the entry owned. Removing
// an already-removed identity fails with a stale-object error.
func (r *Registry) Remove(id value.ObjectID) error {
	e, ok := r.entries[id]
	if !ok {
		return errors.StaleObject(errors.PhaseRegistry, uint64(id))
	}
	delete(r.entries, id)
	if !e.owned {
		return nil
	}
	switch e.kind {
	case EntryObject:
		return r.backend.UnrefObject(e.ptr)
	case EntryBoxed:
		return r.backend.FreeBoxed(e.typeName, e.lib, e.ptr)
	case EntryVariant:
		return r.backend.UnrefVariant(e.ptr)
	}
	return nil
}

// Len reports the number of live identities.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Clear removes every live identity, releasing owned resources. Used at
// teardown; release failures are logged, not propagated, so teardown
// always completes.
func (r *Registry) Clear() {
	for id := range r.entries {
		if err := r.Remove(id); err != nil {
			nativebridge.Logger().Warn("release during clear failed",
				zap.Uint64("id", uint64(id)), zap.Error(err))
		}
	}
}
