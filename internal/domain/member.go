package domain

// Participant is the presence meta of a call member as seen locally.
// No transport or lifecycle logic here.
type Participant struct {
	ID          UserID
	DisplayName string
	Muted       bool
}

// NewParticipant returns an unmuted record with no display name yet.
func NewParticipant(id UserID) *Participant {
	return &Participant{ID: id}
}

// Name returns the resolved display name, falling back to the identity.
func (p *Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.ID)
}
