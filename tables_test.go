package lon

import (
	"testing"
)

func testReadOnly() ReadOnlyData {
	return ReadOnlyData{
		NeuronID:  [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		ModelNum:  0x20,
		ProgramID: [8]byte{'9', 'F', 'F', 'F', 'F', 'F', '0', '0'},
		NvCount:   4,
	}
}

func TestDomainRoundTrip(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	d := Domain{
		ID:       [6]byte{0xAA, 0xBB, 0, 0, 0, 0},
		IDLength: 3,
		Subnet:   7,
		Node:     12,
	}
	if err := tables.UpdateDomain(0, d); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	got, err := tables.QueryDomain(0)
	if err != nil {
		t.Fatalf("QueryDomain: %v", err)
	}
	if got != d {
		t.Errorf("got %+v, want %+v", got, d)
	}
}

func TestDomainInvalidNormalized(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	d := Domain{ID: [6]byte{1, 2, 3, 4, 5, 6}, IDLength: 6, Invalid: true, Subnet: 9}
	if err := tables.UpdateDomain(1, d); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	got, _ := tables.QueryDomain(1)
	if !got.Invalid {
		t.Error("invalid flag lost")
	}
	if got.ID != ([6]byte{}) || got.Subnet != 0 || got.IDLength != 0 {
		t.Errorf("invalid entry not normalized: %+v", got)
	}
}

func TestDomainValidation(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	tests := []struct {
		name  string
		index int
		d     Domain
	}{
		{"index too large", MaxDomains, Domain{}},
		{"negative index", -1, Domain{}},
		{"bad id length", 0, Domain{IDLength: 2}},
		{"node too large", 0, Domain{Node: 128}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tables.UpdateDomain(tt.index, tt.d); !IsCode(err, ErrCodeInvalidParameter) {
				t.Errorf("want invalid parameter, got %v", err)
			}
		})
	}
}

func TestFactoryDefaults(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	d, _ := tables.QueryDomain(0)
	if !d.Invalid {
		t.Error("factory domain should be invalid")
	}
	a, _ := tables.QueryAddress(0)
	if a.InUse() {
		t.Error("factory address entry should be unassigned")
	}
	dp, _ := tables.QueryDpConfig(0)
	if dp.Bound() {
		t.Error("factory datapoint should be unbound")
	}
	al, _ := tables.QueryAliasConfig(0)
	if al.InUse() {
		t.Error("factory alias should be unused")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	a := AddressEntry{
		Type:      AddressTypeGroup,
		Group:     33,
		GroupSize: 4,
		Retries:   3,
		RptTimer:  2,
		TxTimer:   5,
		RcvTimer:  6,
	}
	if err := tables.UpdateAddress(17, a); err != nil {
		t.Fatalf("UpdateAddress: %v", err)
	}
	got, err := tables.QueryAddress(17)
	if err != nil {
		t.Fatalf("QueryAddress: %v", err)
	}
	if got != a {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestAddressValidation(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	if err := tables.UpdateAddress(MaxAddresses, AddressEntry{}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
	if err := tables.UpdateAddress(0, AddressEntry{Type: AddressTypeUniqueID + 1}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
	if err := tables.UpdateAddress(0, AddressEntry{Node: 200}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
}

func TestDpConfigSelectorMasked(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	dp := DpConfig{Selector: 0xFFFF, AddressIndex: AddressUnbound, Service: ServiceAcked}
	if err := tables.UpdateDpConfig(3, dp); err != nil {
		t.Fatalf("UpdateDpConfig: %v", err)
	}
	got, _ := tables.QueryDpConfig(3)
	if got.Selector != SelectorMask {
		t.Errorf("selector = %#x, want %#x", got.Selector, SelectorMask)
	}
}

func TestDpConfigValidation(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	if err := tables.UpdateDpConfig(-1, DpConfig{}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
	// Address index 254 is neither a table slot nor the unbound sentinel.
	if err := tables.UpdateDpConfig(0, DpConfig{AddressIndex: 254}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
	if err := tables.UpdateDpConfig(0, DpConfig{AddressIndex: AddressUnbound, Service: ServiceRequest + 1}); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
}

func TestAliasRoundTrip(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	a := Alias{
		Dp:      DpConfig{Selector: 0x123, AddressIndex: 5, Service: ServiceUnackedRepeat},
		Primary: 9,
	}
	if err := tables.UpdateAliasConfig(40, a); err != nil {
		t.Fatalf("UpdateAliasConfig: %v", err)
	}
	got, _ := tables.QueryAliasConfig(40)
	if got != a {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestSetNodeMode(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	if err := tables.SetNodeMode(ModeOnline, StateConfigured); err != nil {
		t.Fatalf("SetNodeMode: %v", err)
	}
	mode, state := tables.Mode()
	if mode != ModeOnline || state != StateConfigured {
		t.Errorf("mode=%v state=%v", mode, state)
	}

	// StateNoChange keeps the configured state.
	if err := tables.SetNodeMode(ModeOffline, StateNoChange); err != nil {
		t.Fatalf("SetNodeMode: %v", err)
	}
	mode, state = tables.Mode()
	if mode != ModeOffline || state != StateConfigured {
		t.Errorf("mode=%v state=%v after no-change", mode, state)
	}

	if err := tables.SetNodeMode(ModeReturnToFactory+1, StateNoChange); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
}

func TestReturnToFactoryResets(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	_ = tables.UpdateDomain(0, Domain{IDLength: 1, ID: [6]byte{0x11}})
	_ = tables.UpdateDpConfig(0, DpConfig{Selector: 0x100, AddressIndex: 3})

	if err := tables.SetNodeMode(ModeReturnToFactory, StateUnconfigured); err != nil {
		t.Fatalf("SetNodeMode: %v", err)
	}
	d, _ := tables.QueryDomain(0)
	if !d.Invalid {
		t.Error("domain survived factory reset")
	}
	dp, _ := tables.QueryDpConfig(0)
	if dp.Bound() || dp.Selector != 0 {
		t.Error("datapoint config survived factory reset")
	}
}

func TestNodeImageRoundTrip(t *testing.T) {
	tables := NewNodeTables(testReadOnly())

	_ = tables.UpdateDomain(0, Domain{ID: [6]byte{0xA5}, IDLength: 1, Subnet: 3, Node: 44, Key: [6]byte{9, 8, 7, 6, 5, 4}})
	_ = tables.UpdateAddress(2, AddressEntry{Type: AddressTypeSubnetNode, Subnet: 3, Node: 9, Retries: 3, TxTimer: 4, RcvTimer: 11})
	_ = tables.UpdateAddress(64, AddressEntry{Type: AddressTypeGroup, Group: 17, GroupSize: 5})
	_ = tables.UpdateDpConfig(7, DpConfig{Selector: 0x2F00, AddressIndex: 64, Service: ServiceUnackedRepeat, Output: true, Priority: true})
	_ = tables.UpdateAliasConfig(1, Alias{Dp: DpConfig{Selector: 0x2F00, AddressIndex: 64}, Primary: 7})
	_ = tables.UpdateConfigData(ConfigData{Location: [6]byte{'R', 'M', '1', '0', '1', 0}, CommType: 1, NmAuth: true})
	_ = tables.SetNodeMode(ModeOnline, StateConfigured)

	img := tables.Serialize()
	if len(img) != NodeImageSize {
		t.Fatalf("image size %d, want %d", len(img), NodeImageSize)
	}

	restored := NewNodeTables(testReadOnly())
	if err := restored.LoadImage(img); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if got := restored.Serialize(); string(got) != string(img) {
		t.Error("serialize/load/serialize not bit-exact")
	}

	d, _ := restored.QueryDomain(0)
	if d.IDLength != 1 || d.ID[0] != 0xA5 || d.Node != 44 {
		t.Errorf("domain not restored: %+v", d)
	}
	a, _ := restored.QueryAddress(64)
	if a.Type != AddressTypeGroup || a.Group != 17 {
		t.Errorf("address not restored: %+v", a)
	}
	dp, _ := restored.QueryDpConfig(7)
	if dp.Selector != 0x2F00 || !dp.Output {
		t.Errorf("dp config not restored: %+v", dp)
	}
}

func TestLoadImageSizeMismatch(t *testing.T) {
	tables := NewNodeTables(testReadOnly())
	if err := tables.LoadImage(make([]byte, 10)); !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
}
