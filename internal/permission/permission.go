// Package permission implements owner/group/other permission sets for
// collections and documents.
package permission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is one permission bit.
type Action uint8

const (
	// System gates ownership and permission changes.
	System Action = 1 << iota
	Create
	Read
	Write
	Delete
)

var actionNames = []struct {
	action Action
	name   string
}{
	{System, "system"},
	{Create, "create"},
	{Read, "read"},
	{Write, "write"},
	{Delete, "delete"},
}

func (a Action) String() string {
	for _, n := range actionNames {
		if n.action == a {
			return n.name
		}
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// ParseAction maps a lower-case name to its action.
func ParseAction(name string) (Action, error) {
	for _, n := range actionNames {
		if n.name == strings.ToLower(name) {
			return n.action, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// Set is a 5-bit permission set.
type Set uint8

const (
	None Set = 0
	All  Set = Set(System | Create | Read | Write | Delete)
)

func NewSet(actions ...Action) Set {
	var s Set
	for _, a := range actions {
		s |= Set(a)
	}
	return s
}

func (s Set) Has(a Action) bool { return s&Set(a) != 0 }

func (s Set) Valid() bool { return s&^All == 0 }

func (s Set) String() string {
	names := make([]string, 0, len(actionNames))
	for _, n := range actionNames {
		if s.Has(n.action) {
			names = append(names, n.name)
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

type setJSON struct {
	System bool `json:"system"`
	Create bool `json:"create"`
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Delete bool `json:"delete"`
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(setJSON{
		System: s.Has(System),
		Create: s.Has(Create),
		Read:   s.Has(Read),
		Write:  s.Has(Write),
		Delete: s.Has(Delete),
	})
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var raw setJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Set
	for _, flag := range []struct {
		on     bool
		action Action
	}{{raw.System, System}, {raw.Create, Create}, {raw.Read, Read}, {raw.Write, Write}, {raw.Delete, Delete}} {
		if flag.on {
			out |= Set(flag.action)
		}
	}
	*s = out
	return nil
}

// Permissions holds the set of each bucket.
type Permissions struct {
	Owner Set `json:"permissionOwner"`
	Group Set `json:"permissionGroup"`
	Other Set `json:"permissionOther"`
}

// DefaultPermissions gives the owner everything, the group read and write,
// and nothing to anyone else.
func DefaultPermissions() Permissions {
	return Permissions{
		Owner: All,
		Group: NewSet(Read, Write),
		Other: None,
	}
}

// Metadata is the permission record of a collection (DocID empty) or of one document.
type Metadata struct {
	Collection string `json:"collection"`
	DocID      string `json:"docId,omitempty"`
	Owner      string `json:"owner"`
	Group      string `json:"group,omitempty"`
	Permissions
}

// Bucket is the class an actor falls into for one check.
type Bucket int

const (
	BucketOther Bucket = iota
	BucketGroup
	BucketOwner
)

func (b Bucket) String() string {
	switch b {
	case BucketOwner:
		return "owner"
	case BucketGroup:
		return "group"
	default:
		return "other"
	}
}

// SetFor returns the permission set that applies to bucket.
func (m Metadata) SetFor(b Bucket) Set {
	switch b {
	case BucketOwner:
		return m.Permissions.Owner
	case BucketGroup:
		return m.Permissions.Group
	default:
		return m.Other
	}
}
