package security

import (
	"encoding/hex"
	"sync"
)

// RoleRegistry decides whether a public key currently holds a bonded role
// that may publish authorized data of a given class.
type RoleRegistry interface {
	IsAuthorized(publicKey []byte, className string) bool
}

// StaticRoleRegistry is an in-memory RoleRegistry. A key registered with an
// empty class list is authorized for every class.
type StaticRoleRegistry struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{} // hex(pubkey) -> classes
}

func NewStaticRoleRegistry() *StaticRoleRegistry {
	return &StaticRoleRegistry{
		roles: make(map[string]map[string]struct{}),
	}
}

// Grant authorizes publicKey for the given classes.
func (r *StaticRoleRegistry) Grant(publicKey []byte, classNames ...string) {
	if len(publicKey) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := hex.EncodeToString(publicKey)
	classes, ok := r.roles[key]
	if !ok {
		classes = make(map[string]struct{})
		r.roles[key] = classes
	}
	for _, c := range classNames {
		classes[c] = struct{}{}
	}
}

func (r *StaticRoleRegistry) Revoke(publicKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, hex.EncodeToString(publicKey))
}

func (r *StaticRoleRegistry) IsAuthorized(publicKey []byte, className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes, ok := r.roles[hex.EncodeToString(publicKey)]
	if !ok {
		return false
	}
	if len(classes) == 0 {
		return true
	}
	_, ok = classes[className]
	return ok
}
