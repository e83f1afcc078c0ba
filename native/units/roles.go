package units

import (
	"fmt"

	"onyxfund/core/events"
)

// Role identifiers understood by the registry. Owner and pending owner are
// singular slots; the remaining roles are sets.
const (
	RoleOwner        = "owner"
	RolePendingOwner = "owner.pending"
	RoleAdmin        = "admin"
	RoleMinter       = "minter"
	RoleBurner       = "burner"
)

// RoleStore abstracts the persisted role registry state.
type RoleStore interface {
	RoleContains(role string, addr [20]byte) (bool, error)
	RoleAdd(role string, addr [20]byte) error
	RoleRemove(role string, addr [20]byte) error
	RoleGet(slot string) ([20]byte, bool, error)
	RoleSet(slot string, addr [20]byte) error
	RoleClear(slot string) error
}

// Registry tracks the owner, admin set and the authorized minter/burner sets
// for the ownership ledger. Components that need a privilege check hold an
// explicit handle to the registry rather than consulting ambient state.
type Registry struct {
	store   RoleStore
	emitter events.Emitter
}

// NewRegistry constructs a registry over the supplied store with a no-op
// emitter. Callers can override the emitter via SetEmitter.
func NewRegistry(store RoleStore) *Registry {
	return &Registry{store: store, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt events.Event) {
	if r == nil || r.emitter == nil {
		return
	}
	r.emitter.Emit(evt)
}

// InitOwner stamps the initial owner. It may only be called once.
func (r *Registry) InitOwner(owner [20]byte) error {
	if r == nil || r.store == nil {
		return ErrNilState
	}
	if _, ok, err := r.store.RoleGet(RoleOwner); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	if err := r.store.RoleSet(RoleOwner, owner); err != nil {
		return err
	}
	r.emit(events.OwnershipTransferred{New: owner})
	return nil
}

// Owner returns the current owner address.
func (r *Registry) Owner() ([20]byte, error) {
	if r == nil || r.store == nil {
		return [20]byte{}, ErrNilState
	}
	owner, ok, err := r.store.RoleGet(RoleOwner)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotInitialized
	}
	return owner, nil
}

// IsPrivileged reports whether the address is the owner or an admin.
func (r *Registry) IsPrivileged(addr [20]byte) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrNilState
	}
	owner, ok, err := r.store.RoleGet(RoleOwner)
	if err != nil {
		return false, err
	}
	if ok && owner == addr {
		return true, nil
	}
	return r.store.RoleContains(RoleAdmin, addr)
}

// IsMinter reports membership in the authorized minter set.
func (r *Registry) IsMinter(addr [20]byte) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrNilState
	}
	return r.store.RoleContains(RoleMinter, addr)
}

// IsBurner reports membership in the authorized burner set.
func (r *Registry) IsBurner(addr [20]byte) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrNilState
	}
	return r.store.RoleContains(RoleBurner, addr)
}

// Grant adds the address to the given role set. Only privileged callers may
// mutate role membership, and the owner slots cannot be granted directly.
func (r *Registry) Grant(caller [20]byte, role string, addr [20]byte) error {
	if err := r.requirePrivileged(caller); err != nil {
		return err
	}
	switch role {
	case RoleAdmin, RoleMinter, RoleBurner:
	default:
		return fmt.Errorf("units: unknown role %q", role)
	}
	present, err := r.store.RoleContains(role, addr)
	if err != nil {
		return err
	}
	if present {
		return fmt.Errorf("units: %w: %s already holds role %s", ErrAlreadyExists, addrHex(addr), role)
	}
	if err := r.store.RoleAdd(role, addr); err != nil {
		return err
	}
	r.emit(events.RoleGranted{Role: role, Account: addr})
	return nil
}

// Revoke removes the address from the given role set.
func (r *Registry) Revoke(caller [20]byte, role string, addr [20]byte) error {
	if err := r.requirePrivileged(caller); err != nil {
		return err
	}
	switch role {
	case RoleAdmin, RoleMinter, RoleBurner:
	default:
		return fmt.Errorf("units: unknown role %q", role)
	}
	present, err := r.store.RoleContains(role, addr)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("units: %w: %s does not hold role %s", ErrNotFound, addrHex(addr), role)
	}
	if err := r.store.RoleRemove(role, addr); err != nil {
		return err
	}
	r.emit(events.RoleRevoked{Role: role, Account: addr})
	return nil
}

// TransferOwnership records a pending owner. The handoff completes only when
// the pending owner calls AcceptOwnership.
func (r *Registry) TransferOwnership(caller, pending [20]byte) error {
	if r == nil || r.store == nil {
		return ErrNilState
	}
	owner, err := r.Owner()
	if err != nil {
		return err
	}
	if caller != owner {
		return fmt.Errorf("units: %w: only the owner may start an ownership transfer", ErrUnauthorized)
	}
	if err := r.store.RoleSet(RolePendingOwner, pending); err != nil {
		return err
	}
	r.emit(events.OwnershipTransferStarted{Current: owner, Pending: pending})
	return nil
}

// AcceptOwnership finalizes a pending ownership transfer.
func (r *Registry) AcceptOwnership(caller [20]byte) error {
	if r == nil || r.store == nil {
		return ErrNilState
	}
	pending, ok, err := r.store.RoleGet(RolePendingOwner)
	if err != nil {
		return err
	}
	if !ok || pending != caller {
		return fmt.Errorf("units: %w: caller is not the pending owner", ErrUnauthorized)
	}
	previous, err := r.Owner()
	if err != nil {
		return err
	}
	if err := r.store.RoleSet(RoleOwner, caller); err != nil {
		return err
	}
	if err := r.store.RoleClear(RolePendingOwner); err != nil {
		return err
	}
	r.emit(events.OwnershipTransferred{Previous: previous, New: caller})
	return nil
}

func (r *Registry) requirePrivileged(caller [20]byte) error {
	if r == nil || r.store == nil {
		return ErrNilState
	}
	privileged, err := r.IsPrivileged(caller)
	if err != nil {
		return err
	}
	if !privileged {
		return fmt.Errorf("units: %w: caller %s is not owner or admin", ErrUnauthorized, addrHex(caller))
	}
	return nil
}
