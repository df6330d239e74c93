package domain

import "github.com/google/uuid"

// ValueObject represents an immutable domain concept defined by its attributes.
type ValueObject interface {
	Equals(other ValueObject) bool
}

// WorkspaceID identifies the billing tenant that owns a subscription. It is
// shared across every bounded context in the engine.
type WorkspaceID struct {
	value uuid.UUID
}

// NewWorkspaceID creates a WorkspaceID from a UUID.
func NewWorkspaceID(value uuid.UUID) WorkspaceID {
	return WorkspaceID{value: value}
}

// ParseWorkspaceID parses a WorkspaceID from its string form.
func ParseWorkspaceID(value string) (WorkspaceID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return WorkspaceID{}, err
	}
	return WorkspaceID{value: id}, nil
}

// UUID returns the underlying UUID.
func (w WorkspaceID) UUID() uuid.UUID { return w.value }

// String returns the string representation of the WorkspaceID.
func (w WorkspaceID) String() string { return w.value.String() }

// IsEmpty returns true if the WorkspaceID is unset.
func (w WorkspaceID) IsEmpty() bool { return w.value == uuid.Nil }

// Equals checks if two WorkspaceIDs are equal.
func (w WorkspaceID) Equals(other ValueObject) bool {
	if o, ok := other.(WorkspaceID); ok {
		return w.value == o.value
	}
	return false
}
