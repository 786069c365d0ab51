package att

import (
	"sort"
	"sync"

	"github.com/go-btcore/btcore/bt"
)

// Permission bits for an Attribute (spec.md §4.4).
type Permission uint16

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermEncryptRead
	PermEncryptWrite
	PermAuthenRead
	PermAuthenWrite
	PermAuthorRead
	PermAuthorWrite
)

// SecurityLevel is the caller's current link security, set by the SMP
// layer once pairing/encryption completes.
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota
	SecurityEncryptionOnly
	SecurityEncryptionWithAuthentication
)

// ReadFunc/WriteFunc let a handle be backed by application logic (a CCCD,
// a computed characteristic value) instead of a static byte slice.
type ReadFunc func(offset int) ([]byte, *ProtocolError)
type WriteFunc func(value []byte) *ProtocolError

// Attribute is one row of the database.
type Attribute struct {
	Handle   uint16
	Type     bt.UUID
	Perms    Permission
	GroupEnd uint16 // for a service declaration: the last handle of its extent

	value []byte
	read  ReadFunc
	write WriteFunc
}

// isGroupType reports whether an Attribute is a service declaration usable by
// ReadByGroupType (spec.md §4.4 group discovery): PrimaryService or
// SecondaryService type attributes form groups; anything else does not.
func (a *Attribute) isGroupType() bool {
	return a.Type.Equal(bt.PrimaryServiceUUID) || a.Type.Equal(bt.SecondaryServiceUUID)
}

// Database is the ordered handle -> Attribute map, with its own handle
// allocation cursor and a single reader/writer lock (spec.md §4.4,
// §9 "attribute database as arena + index").
type Database struct {
	mu         sync.RWMutex
	attrs      map[uint16]*Attribute
	order      []uint16 // ascending handle order, maintained on insert
	nextHandle uint16
}

// NewDatabase returns an empty database with handles starting at 1.
func NewDatabase() *Database {
	return &Database{attrs: make(map[uint16]*Attribute), nextHandle: 1}
}

// Insert adds an attribute. If handle is 0, the next free handle is
// assigned; an explicit duplicate handle is rejected.
func (d *Database) Insert(handle uint16, typ bt.UUID, perms Permission, value []byte, read ReadFunc, write WriteFunc) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handle == 0 {
		handle = d.nextHandle
	} else if _, exists := d.attrs[handle]; exists {
		return 0, protoErr(ErrCodeInvalidHandle, handle)
	}

	a := &Attribute{Handle: handle, Type: typ, Perms: perms, value: append([]byte(nil), value...), read: read, write: write}
	d.attrs[handle] = a
	d.insertOrdered(handle)
	if handle >= d.nextHandle {
		d.nextHandle = handle + 1
	}
	return handle, nil
}

// InsertService inserts a PrimaryService/SecondaryService declaration whose
// extent runs through endHandle (the last handle reserved for its
// characteristics), the way a GATT server builder assigns contiguous
// handle ranges per service up front.
func (d *Database) InsertService(handle uint16, serviceType bt.UUID, uuid bt.UUID, endHandle uint16) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handle == 0 {
		handle = d.nextHandle
	} else if _, exists := d.attrs[handle]; exists {
		return 0, protoErr(ErrCodeInvalidHandle, handle)
	}
	a := &Attribute{Handle: handle, Type: serviceType, Perms: PermRead, GroupEnd: endHandle, value: uuid.Bytes()}
	d.attrs[handle] = a
	d.insertOrdered(handle)
	if handle >= d.nextHandle {
		d.nextHandle = handle + 1
	}
	return handle, nil
}

func (d *Database) insertOrdered(handle uint16) {
	i := sort.Search(len(d.order), func(i int) bool { return d.order[i] >= handle })
	d.order = append(d.order, 0)
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = handle
}

// Remove deletes a handle and invalidates any callbacks atomically.
func (d *Database) Remove(handle uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.attrs[handle]; !ok {
		return
	}
	delete(d.attrs, handle)
	for i, h := range d.order {
		if h == handle {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func checkAccess(perms Permission, level SecurityLevel, write bool) ErrorCode {
	readBit, encBit, authnBit, authzBit := PermRead, PermEncryptRead, PermAuthenRead, PermAuthorRead
	notPermitted := ErrCodeReadNotPermitted
	if write {
		readBit, encBit, authnBit, authzBit = PermWrite, PermEncryptWrite, PermAuthenWrite, PermAuthorWrite
		notPermitted = ErrCodeWriteNotPermitted
	}
	if perms&readBit == 0 {
		return notPermitted
	}
	if perms&encBit != 0 && level < SecurityEncryptionOnly {
		return ErrCodeInsufficientEncryption
	}
	if perms&authnBit != 0 && level < SecurityEncryptionWithAuthentication {
		return ErrCodeInsufficientAuthentication
	}
	if perms&authzBit != 0 {
		return ErrCodeInsufficientAuthorization
	}
	return 0
}

// Read returns the full value at handle, starting at offset, after an
// access check against level.
func (d *Database) Read(handle uint16, offset int, level SecurityLevel) ([]byte, *ProtocolError) {
	d.mu.RLock()
	a, ok := d.attrs[handle]
	d.mu.RUnlock()
	if !ok {
		return nil, protoErr(ErrCodeInvalidHandle, handle)
	}
	if code := checkAccess(a.Perms, level, false); code != 0 {
		return nil, protoErr(code, handle)
	}
	if a.read != nil {
		v, perr := a.read(offset)
		if perr != nil {
			return nil, perr
		}
		return v, nil
	}
	if offset > len(a.value) {
		return nil, protoErr(ErrCodeInvalidOffset, handle)
	}
	return a.value[offset:], nil
}

// Write overwrites the value at handle after an access check.
func (d *Database) Write(handle uint16, value []byte, level SecurityLevel) *ProtocolError {
	d.mu.Lock()
	a, ok := d.attrs[handle]
	d.mu.Unlock()
	if !ok {
		return protoErr(ErrCodeInvalidHandle, handle)
	}
	if code := checkAccess(a.Perms, level, true); code != 0 {
		return protoErr(code, handle)
	}
	if a.write != nil {
		return a.write(value)
	}
	d.mu.Lock()
	a.value = append([]byte(nil), value...)
	d.mu.Unlock()
	return nil
}

// Attribute returns a copy of the attribute metadata at handle (not its
// value), or nil if absent.
func (d *Database) Attribute(handle uint16) *Attribute {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.attrs[handle]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// Range returns the attributes in [start, end] in ascending handle order.
func (d *Database) Range(start, end uint16) []*Attribute {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Attribute
	for _, h := range d.order {
		if h < start {
			continue
		}
		if h > end {
			break
		}
		out = append(out, d.attrs[h])
	}
	return out
}

// RangeByType returns attributes in [start, end] whose Type matches typ.
func (d *Database) RangeByType(start, end uint16, typ bt.UUID) []*Attribute {
	var out []*Attribute
	for _, a := range d.Range(start, end) {
		if a.Type.Equal(typ) {
			out = append(out, a)
		}
	}
	return out
}

// Groups walks [start, end] for service-declaration attributes of typ,
// pairing each with its end handle: the attribute's recorded GroupEnd when
// it has one, otherwise the handle immediately preceding the next service
// declaration of any kind, or the range end for the last one; either is
// clamped to the range end (spec.md §4.4 group discovery).
func (d *Database) Groups(start, end uint16, typ bt.UUID) ([]groupAttrValue, *ProtocolError) {
	if !typ.Equal(bt.PrimaryServiceUUID) && !typ.Equal(bt.SecondaryServiceUUID) {
		return nil, protoErr(ErrCodeUnsupportedGroupType, 0)
	}

	all := d.Range(start, end)
	var groups []groupAttrValue
	for i, a := range all {
		if !a.Type.Equal(typ) {
			continue
		}
		groupEnd := a.GroupEnd
		if groupEnd == 0 {
			// no explicit extent recorded (e.g. inserted via Insert rather
			// than InsertService): fall back to the handle immediately
			// preceding the next service declaration, or the range end.
			groupEnd = end
			for j := i + 1; j < len(all); j++ {
				if all[j].isGroupType() {
					groupEnd = all[j].Handle - 1
					break
				}
			}
		} else if groupEnd > end {
			groupEnd = end
		}
		groups = append(groups, groupAttrValue{StartHandle: a.Handle, EndHandle: groupEnd, Value: a.value})
	}
	return groups, nil
}
