package smp

import (
	"sync"

	"github.com/go-btcore/btcore/bt"
)

// DeviceAddr pairs a BdAddr with its type, the unit the key store indexes
// and identity resolution operates over.
type DeviceAddr struct {
	Type bt.AddrType
	Addr bt.BdAddr
}

// Keys is the bundle of material persisted after a successful pairing
// (spec.md §4.5 phase 3): an LTK plus whichever of the optional keys the
// peer actually distributed.
type Keys struct {
	LTK  [16]byte
	EDIV uint16
	Rand [8]byte

	IRK          *[16]byte
	IdentityAddr *DeviceAddr

	CSRK *[16]byte
}

// KeyStore is the collaborator contract the core consumes for persisting
// and resolving pairing material (spec.md §6 "Collaborator contracts").
// The core supplies DefaultKeyStore; callers may inject their own (e.g.
// backed by disk) behind the same interface.
type KeyStore interface {
	SaveKeys(addr DeviceAddr, keys Keys) error
	LoadKeys(addr DeviceAddr) (Keys, bool)
	DeleteKeys(addr DeviceAddr) error
	ResolveIdentity(randomAddr DeviceAddr) (DeviceAddr, bool)
	GetPairedDevices() []DeviceAddr
}

// DefaultKeyStore is an in-memory KeyStore, the core's default collaborator
// implementation.
type DefaultKeyStore struct {
	mu   sync.RWMutex
	keys map[DeviceAddr]Keys
}

func NewDefaultKeyStore() *DefaultKeyStore {
	return &DefaultKeyStore{keys: make(map[DeviceAddr]Keys)}
}

func (s *DefaultKeyStore) SaveKeys(addr DeviceAddr, keys Keys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[addr] = keys
	return nil
}

func (s *DefaultKeyStore) LoadKeys(addr DeviceAddr) (Keys, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[addr]
	return k, ok
}

func (s *DefaultKeyStore) DeleteKeys(addr DeviceAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, addr)
	return nil
}

// ResolveIdentity finds the identity address whose stored IRK would resolve
// randomAddr, by recomputing the resolvable private address hash against
// every stored IRK (Core Spec Vol 3 Part C §10.8.2.3). A zero DeviceAddr
// and found=false are returned if no stored IRK matches or randomAddr is
// not a resolvable private address.
func (s *DefaultKeyStore) ResolveIdentity(randomAddr DeviceAddr) (DeviceAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !isResolvablePrivate(randomAddr.Addr) {
		return DeviceAddr{}, false
	}
	for identity, k := range s.keys {
		if k.IRK == nil {
			continue
		}
		if resolvesTo(randomAddr.Addr, *k.IRK) {
			return identity, true
		}
	}
	return DeviceAddr{}, false
}

func (s *DefaultKeyStore) GetPairedDevices() []DeviceAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceAddr, 0, len(s.keys))
	for addr := range s.keys {
		out = append(out, addr)
	}
	return out
}

// isResolvablePrivate reports whether the top two bits of the address's
// most significant octet mark it as a resolvable private address (0b01).
// addr is stored MSB-first (bt.BdAddr convention), so the marked octet is
// addr[0].
func isResolvablePrivate(addr bt.BdAddr) bool {
	return addr[0]&0xC0 == 0x40
}

// resolvesTo reimplements the controller-side address hash: hash = ah(IRK,
// prand), compared against the address's low 3 octets. addr is stored
// MSB-first, so prand is addr[0:3] (with the type bits masked out of the
// top octet) and the hash to compare against is addr[3:6].
func resolvesTo(addr bt.BdAddr, irk [16]byte) bool {
	prand := [3]byte{addr[0] &^ 0xC0, addr[1], addr[2]}
	hash := ah(irk, prand)
	return hash[0] == addr[3] && hash[1] == addr[4] && hash[2] == addr[5]
}

// ah is the random address hash function (Core Spec Vol 3 Part H §2.2.2):
// ah(k, r) = e(k, padding(r)) truncated to the low 3 octets, where r is
// zero-padded on the left to 16 octets.
func ah(k [16]byte, r [3]byte) [3]byte {
	var block [16]byte
	copy(block[13:], r[:])
	enc, err := aesECB(k, block)
	if err != nil {
		return [3]byte{}
	}
	return [3]byte{enc[13], enc[14], enc[15]}
}
