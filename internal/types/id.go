// README: Entity identifiers shared by every module.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// IDPtr returns nil for the empty ID so nullable columns stay NULL.
func IDPtr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}

// StringPtr converts an optional ID into a nullable column value.
func StringPtr(id *ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
