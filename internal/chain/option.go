package chain

import "encoding/json"

// DelegateOption is the on-ledger optional delegate: Some(address) or None.
type DelegateOption struct {
	address string
	present bool
}

func SomeDelegate(address string) DelegateOption {
	return DelegateOption{address: address, present: true}
}

func NoDelegate() DelegateOption {
	return DelegateOption{}
}

// Get returns the delegate address and whether one is set.
func (o DelegateOption) Get() (string, bool) {
	return o.address, o.present
}

func (o DelegateOption) IsSome() bool {
	return o.present
}

// Is reports whether the delegate is set and equals address.
func (o DelegateOption) Is(address string) bool {
	return o.present && o.address == address
}

func (o DelegateOption) String() string {
	if !o.present {
		return "None"
	}
	return "Some(" + o.address + ")"
}

// MarshalJSON encodes None as null and Some as the address string.
func (o DelegateOption) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.address)
}

func (o *DelegateOption) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = NoDelegate()
		return nil
	}
	var address string
	if err := json.Unmarshal(data, &address); err != nil {
		return err
	}
	*o = SomeDelegate(address)
	return nil
}
