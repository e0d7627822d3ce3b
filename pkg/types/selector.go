package types

import "fmt"

// Selector names the recipients of an envelope. The set of variants is closed:
// ConnectionTarget, PrincipalTarget, GroupTarget and AllTarget.
// ARCHITECTURAL DISCOVERY: The unexported marker method seals the interface so
// dispatch can resolve every selector with a single type switch
type Selector interface {
	isSelector()
	String() string
}

// ConnectionTarget selects exactly one connection
type ConnectionTarget struct {
	ID ConnectionID
}

// PrincipalTarget selects the most recent live connection of a principal
type PrincipalTarget struct {
	ID string
}

// GroupTarget selects every current member of a group
type GroupTarget struct {
	Name string
}

// AllTarget selects every live connection on the channel
type AllTarget struct{}

func (ConnectionTarget) isSelector() {}
func (PrincipalTarget) isSelector()  {}
func (GroupTarget) isSelector()      {}
func (AllTarget) isSelector()        {}

func (t ConnectionTarget) String() string { return fmt.Sprintf("connection:%s", t.ID) }
func (t PrincipalTarget) String() string  { return fmt.Sprintf("principal:%s", t.ID) }
func (t GroupTarget) String() string      { return fmt.Sprintf("group:%s", t.Name) }
func (AllTarget) String() string          { return GroupAll }

// ToConnection builds a single-connection selector
func ToConnection(id ConnectionID) Selector { return ConnectionTarget{ID: id} }

// ToPrincipal builds a single-principal selector
func ToPrincipal(id string) Selector { return PrincipalTarget{ID: id} }

// ToGroup builds a group selector. The reserved name "all" yields AllTarget.
func ToGroup(name string) Selector {
	if name == GroupAll {
		return AllTarget{}
	}
	return GroupTarget{Name: name}
}

// ToAll builds the broadcast selector
func ToAll() Selector { return AllTarget{} }
