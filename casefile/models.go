package casefile

import "bondflow/catalog"

// Signer is an immutable snapshot of a person taken when a packet is built.
// Later edits to the person record do not alter an already-built packet.
type Signer struct {
	PersonID string
	Role     catalog.Role
	FullName string
	Email    string
	Phone    string
}

// Zero reports whether the signer slot is unoccupied.
func (s Signer) Zero() bool {
	return s.PersonID == ""
}

// Roster is the full signing party for one case. Indemnitor order is
// significant: it defines Indemnitor-1, Indemnitor-2, and so on.
type Roster struct {
	CaseID      string
	Defendant   Signer
	Indemnitors []Signer
	Agent       Signer
}
