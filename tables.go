package lon

import (
	"encoding/binary"
	"sync"
)

// NodeTables holds the typed in-memory tables of one node: domains,
// addresses, datapoint configs, aliases, config data and read-only data.
// All access goes through the index-addressed operations; rows are copied
// in and out, never aliased across callers.
type NodeTables struct {
	mu sync.RWMutex

	domains   [MaxDomains]Domain
	addresses [MaxAddresses]AddressEntry
	dps       [MaxDatapoints]DpConfig
	aliases   [MaxAliases]Alias
	config    ConfigData
	readOnly  ReadOnlyData

	mode  NodeMode
	state NodeState
}

// Serialized row footprints of the node image.
const (
	domainRowSize  = 15
	addressRowSize = 16
	dpRowSize      = 4
	aliasRowSize   = dpRowSize + 2
	configRowSize  = 9

	// NodeImageSize is the serialized node table footprint.
	NodeImageSize = MaxDomains*domainRowSize +
		MaxAddresses*addressRowSize +
		MaxDatapoints*dpRowSize +
		MaxAliases*aliasRowSize +
		configRowSize + 2
)

// NewNodeTables returns factory-default tables: invalid domains, unassigned
// addresses, unbound datapoints, unused aliases.
func NewNodeTables(ro ReadOnlyData) *NodeTables {
	t := &NodeTables{readOnly: ro, state: StateUnconfigured}
	for i := range t.domains {
		t.domains[i].Invalid = true
	}
	for i := range t.dps {
		t.dps[i].AddressIndex = AddressUnbound
	}
	for i := range t.aliases {
		t.aliases[i].Primary = AliasUnused
	}
	return t
}

// QueryDomain returns the domain table entry at index.
func (t *NodeTables) QueryDomain(index int) (Domain, error) {
	if index < 0 || index >= MaxDomains {
		return Domain{}, NewError("QUERY_DOMAIN", ErrCodeInvalidParameter, "domain index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.domains[index], nil
}

// UpdateDomain replaces the domain table entry at index. The id length must
// be 0, 1, 3 or 6; an entry passed with the invalid flag set is stored as
// invalid with its id, subnet and node cleared, whatever its length.
func (t *NodeTables) UpdateDomain(index int, d Domain) error {
	if index < 0 || index >= MaxDomains {
		return NewError("UPDATE_DOMAIN", ErrCodeInvalidParameter, "domain index out of range")
	}
	switch d.IDLength {
	case 0, 1, 3, 6:
	default:
		return NewError("UPDATE_DOMAIN", ErrCodeInvalidParameter, "domain id length must be 0, 1, 3 or 6")
	}
	if d.Node > 127 {
		return NewError("UPDATE_DOMAIN", ErrCodeInvalidParameter, "node id out of range")
	}
	if d.Invalid {
		// An invalid entry carries no addressing; normalize so stale id
		// bytes cannot resurrect later.
		d = Domain{Invalid: true}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains[index] = d
	return nil
}

// QueryAddress returns the address table entry at index.
func (t *NodeTables) QueryAddress(index int) (AddressEntry, error) {
	if index < 0 || index >= MaxAddresses {
		return AddressEntry{}, NewError("QUERY_ADDRESS", ErrCodeInvalidParameter, "address index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addresses[index], nil
}

// UpdateAddress replaces the address table entry at index.
func (t *NodeTables) UpdateAddress(index int, a AddressEntry) error {
	if index < 0 || index >= MaxAddresses {
		return NewError("UPDATE_ADDRESS", ErrCodeInvalidParameter, "address index out of range")
	}
	if a.Type > AddressTypeUniqueID {
		return NewError("UPDATE_ADDRESS", ErrCodeInvalidParameter, "unknown address type")
	}
	if a.Node > 127 {
		return NewError("UPDATE_ADDRESS", ErrCodeInvalidParameter, "node id out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[index] = a
	return nil
}

// QueryDpConfig returns the datapoint config table entry at index.
func (t *NodeTables) QueryDpConfig(index int) (DpConfig, error) {
	if index < 0 || index >= MaxDatapoints {
		return DpConfig{}, NewError("QUERY_DP_CONFIG", ErrCodeInvalidParameter, "datapoint index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dps[index], nil
}

// UpdateDpConfig replaces the datapoint config table entry at index. The
// selector is masked to its 14 bits; the address index must reference the
// address table or be the unbound sentinel.
func (t *NodeTables) UpdateDpConfig(index int, d DpConfig) error {
	if index < 0 || index >= MaxDatapoints {
		return NewError("UPDATE_DP_CONFIG", ErrCodeInvalidParameter, "datapoint index out of range")
	}
	if d.AddressIndex != AddressUnbound && int(d.AddressIndex) >= MaxAddresses {
		return NewError("UPDATE_DP_CONFIG", ErrCodeInvalidParameter, "address index out of range")
	}
	if d.Service > ServiceRequest {
		return NewError("UPDATE_DP_CONFIG", ErrCodeInvalidParameter, "unknown service type")
	}
	d.Selector &= SelectorMask
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dps[index] = d
	return nil
}

// QueryAliasConfig returns the alias table entry at index.
func (t *NodeTables) QueryAliasConfig(index int) (Alias, error) {
	if index < 0 || index >= MaxAliases {
		return Alias{}, NewError("QUERY_ALIAS", ErrCodeInvalidParameter, "alias index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aliases[index], nil
}

// UpdateAliasConfig replaces the alias table entry at index.
func (t *NodeTables) UpdateAliasConfig(index int, a Alias) error {
	if index < 0 || index >= MaxAliases {
		return NewError("UPDATE_ALIAS", ErrCodeInvalidParameter, "alias index out of range")
	}
	if a.Primary != AliasUnused && int(a.Primary) >= MaxDatapoints {
		return NewError("UPDATE_ALIAS", ErrCodeInvalidParameter, "primary datapoint index out of range")
	}
	if a.Dp.AddressIndex != AddressUnbound && int(a.Dp.AddressIndex) >= MaxAddresses {
		return NewError("UPDATE_ALIAS", ErrCodeInvalidParameter, "address index out of range")
	}
	a.Dp.Selector &= SelectorMask
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[index] = a
	return nil
}

// QueryConfigData returns the writable node configuration.
func (t *NodeTables) QueryConfigData() ConfigData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

// UpdateConfigData replaces the writable node configuration.
func (t *NodeTables) UpdateConfigData(c ConfigData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = c
	return nil
}

// QueryReadOnlyData returns the fixed node description.
func (t *NodeTables) QueryReadOnlyData() ReadOnlyData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readOnly
}

// SetReadOnlyData installs the node description; used at stack start once
// the interface unique id is known.
func (t *NodeTables) SetReadOnlyData(ro ReadOnlyData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readOnly = ro
}

// Mode returns the current node mode and state.
func (t *NodeTables) Mode() (NodeMode, NodeState) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode, t.state
}

// SetNodeMode applies one of the four LON node modes. The state argument
// drives flush/wink/unconfigured transitions; StateNoChange keeps the
// current state.
func (t *NodeTables) SetNodeMode(mode NodeMode, state NodeState) error {
	if mode > ModeReturnToFactory {
		return NewError("SET_NODE_MODE", ErrCodeInvalidParameter, "unknown node mode")
	}
	switch state {
	case StateNoChange, StateUnconfigured, StateConfigured, StateFlush, StateWink:
	default:
		return NewError("SET_NODE_MODE", ErrCodeInvalidParameter, "unknown node state")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	if state != StateNoChange {
		t.state = state
	}
	if mode == ModeReturnToFactory {
		t.resetLocked()
	}
	return nil
}

// ResetToFactory restores factory defaults on every table.
func (t *NodeTables) ResetToFactory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *NodeTables) resetLocked() {
	for i := range t.domains {
		t.domains[i] = Domain{Invalid: true}
	}
	for i := range t.addresses {
		t.addresses[i] = AddressEntry{}
	}
	for i := range t.dps {
		t.dps[i] = DpConfig{AddressIndex: AddressUnbound}
	}
	for i := range t.aliases {
		t.aliases[i] = Alias{Primary: AliasUnused}
	}
	t.config = ConfigData{}
	t.mode = ModeOffline
	t.state = StateUnconfigured
}

// FindDatapointBySelector resolves a 14-bit selector to a bound datapoint
// index, consulting the alias table when no primary datapoint matches.
func (t *NodeTables) FindDatapointBySelector(selector uint16) (int, bool) {
	selector &= SelectorMask
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.dps {
		if t.dps[i].Bound() && t.dps[i].Selector == selector {
			return i, true
		}
	}
	for i := range t.aliases {
		a := &t.aliases[i]
		if a.InUse() && a.Dp.Bound() && a.Dp.Selector == selector {
			return int(a.Primary), true
		}
	}
	return 0, false
}

// Serialize writes the full node image, big-endian, suitable for the node
// persistence segment.
func (t *NodeTables) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := make([]byte, 0, NodeImageSize)
	for i := range t.domains {
		buf = appendDomain(buf, t.domains[i])
	}
	for i := range t.addresses {
		buf = appendAddress(buf, t.addresses[i])
	}
	for i := range t.dps {
		buf = appendDp(buf, t.dps[i])
	}
	for i := range t.aliases {
		buf = appendDp(buf, t.aliases[i].Dp)
		buf = binary.BigEndian.AppendUint16(buf, t.aliases[i].Primary)
	}
	buf = append(buf, t.config.Location[:]...)
	buf = append(buf, t.config.CommType, t.config.NonGroupTimer, boolByte(t.config.NmAuth))
	buf = append(buf, byte(t.mode), byte(t.state))
	return buf
}

// LoadImage restores the tables from a serialized node image.
func (t *NodeTables) LoadImage(img []byte) error {
	if len(img) != NodeImageSize {
		return NewError("LOAD_NODE_IMAGE", ErrCodeInvalidParameter, "node image size mismatch")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	off := 0
	for i := range t.domains {
		t.domains[i], off = readDomain(img, off)
	}
	for i := range t.addresses {
		t.addresses[i], off = readAddress(img, off)
	}
	for i := range t.dps {
		t.dps[i], off = readDp(img, off)
	}
	for i := range t.aliases {
		t.aliases[i].Dp, off = readDp(img, off)
		t.aliases[i].Primary = binary.BigEndian.Uint16(img[off:])
		off += 2
	}
	copy(t.config.Location[:], img[off:off+6])
	off += 6
	t.config.CommType = img[off]
	t.config.NonGroupTimer = img[off+1]
	t.config.NmAuth = img[off+2] != 0
	off += 3
	t.mode = NodeMode(img[off])
	t.state = NodeState(img[off+1])
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendDomain(buf []byte, d Domain) []byte {
	flags := d.IDLength & 0x07
	if d.Invalid {
		flags |= 0x80
	}
	if d.NonClone {
		flags |= 0x40
	}
	buf = append(buf, d.ID[:]...)
	buf = append(buf, flags, d.Subnet, d.Node)
	return append(buf, d.Key[:]...)
}

func readDomain(img []byte, off int) (Domain, int) {
	var d Domain
	copy(d.ID[:], img[off:off+6])
	flags := img[off+6]
	d.Invalid = flags&0x80 != 0
	d.NonClone = flags&0x40 != 0
	d.IDLength = flags & 0x07
	d.Subnet = img[off+7]
	d.Node = img[off+8]
	copy(d.Key[:], img[off+9:off+15])
	return d, off + domainRowSize
}

func appendAddress(buf []byte, a AddressEntry) []byte {
	flags := byte(0)
	if a.SubnetWildcard {
		flags = 1
	}
	buf = append(buf, byte(a.Type), a.Group, a.GroupSize, a.Subnet, a.Node, a.Backlog)
	buf = append(buf, a.NeuronID[:]...)
	return append(buf, flags, a.Retries, a.RptTimer, joinTimers(a.TxTimer, a.RcvTimer))
}

func readAddress(img []byte, off int) (AddressEntry, int) {
	var a AddressEntry
	a.Type = AddressType(img[off])
	a.Group = img[off+1]
	a.GroupSize = img[off+2]
	a.Subnet = img[off+3]
	a.Node = img[off+4]
	a.Backlog = img[off+5]
	copy(a.NeuronID[:], img[off+6:off+12])
	a.SubnetWildcard = img[off+12] != 0
	a.Retries = img[off+13]
	a.RptTimer = img[off+14]
	a.TxTimer, a.RcvTimer = splitTimers(img[off+15])
	return a, off + addressRowSize
}

// Timers are 4-bit fields packed into one byte, tx high.
func joinTimers(tx, rcv uint8) byte {
	return tx<<4 | rcv&0x0F
}

func splitTimers(b byte) (tx, rcv uint8) {
	return b >> 4, b & 0x0F
}

func appendDp(buf []byte, d DpConfig) []byte {
	flags := byte(d.Service) & 0x03
	if d.Authenticated {
		flags |= 0x04
	}
	if d.Priority {
		flags |= 0x08
	}
	if d.Output {
		flags |= 0x10
	}
	if d.Turnaround {
		flags |= 0x20
	}
	buf = binary.BigEndian.AppendUint16(buf, d.Selector&SelectorMask)
	return append(buf, d.AddressIndex, flags)
}

func readDp(img []byte, off int) (DpConfig, int) {
	var d DpConfig
	d.Selector = binary.BigEndian.Uint16(img[off:]) & SelectorMask
	d.AddressIndex = img[off+2]
	flags := img[off+3]
	d.Service = ServiceType(flags & 0x03)
	d.Authenticated = flags&0x04 != 0
	d.Priority = flags&0x08 != 0
	d.Output = flags&0x10 != 0
	d.Turnaround = flags&0x20 != 0
	return d, off + dpRowSize
}
