package wire

import (
	"encoding/json"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Targeted messages are delivered to a single participant when Target is set.
type Targeted interface {
	Message
	Target() domain.UserID
}

// Sourced messages name the participant they originate from.
type Sourced interface {
	Message
	From() domain.UserID
}

// Stampable messages get their origin fields overwritten by the relay
// with the authenticated identity of the sending connection.
type Stampable interface {
	Message
	Stamp(from domain.UserID, group domain.GroupID)
}

// Chat is a group text message.
type Chat struct {
	ID        string         `json:"id,omitempty"`
	GroupID   domain.GroupID `json:"group_id"`
	UserID    domain.UserID  `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Content   string         `json:"content"`
	CreatedAt Timestamp      `json:"created_at,omitzero"`
}

func (*Chat) Kind() Type            { return TypeChat }
func (m *Chat) From() domain.UserID { return m.UserID }
func (m *Chat) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

// CallStart announces that the sender began (or joined) a call.
type CallStart struct {
	GroupID    domain.GroupID  `json:"group_id"`
	CallerID   domain.UserID   `json:"caller_id,omitempty"`
	CallerName string          `json:"caller_name"`
	CallType   domain.CallType `json:"call_type"`
}

func (*CallStart) Kind() Type            { return TypeCallStart }
func (m *CallStart) From() domain.UserID { return m.CallerID }
func (m *CallStart) Stamp(from domain.UserID, g domain.GroupID) {
	m.CallerID, m.GroupID = from, g
}

// IncomingCall is the server-originated ring for a call in progress.
type IncomingCall struct {
	GroupID    domain.GroupID  `json:"group_id"`
	CallerID   domain.UserID   `json:"caller_id,omitempty"`
	CallerName string          `json:"caller_name"`
	CallType   domain.CallType `json:"call_type"`
}

func (*IncomingCall) Kind() Type            { return TypeIncomingCall }
func (m *IncomingCall) From() domain.UserID { return m.CallerID }
func (m *IncomingCall) Stamp(from domain.UserID, g domain.GroupID) {
	m.CallerID, m.GroupID = from, g
}

type CallEnd struct {
	GroupID domain.GroupID `json:"group_id"`
	UserID  domain.UserID  `json:"user_id,omitempty"`
}

func (*CallEnd) Kind() Type            { return TypeCallEnd }
func (m *CallEnd) From() domain.UserID { return m.UserID }
func (m *CallEnd) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

type CallAccept struct {
	GroupID      domain.GroupID `json:"group_id"`
	TargetUserID domain.UserID  `json:"target_user_id,omitempty"`
	UserID       domain.UserID  `json:"user_id,omitempty"`
}

func (*CallAccept) Kind() Type              { return TypeCallAccept }
func (m *CallAccept) From() domain.UserID   { return m.UserID }
func (m *CallAccept) Target() domain.UserID { return m.TargetUserID }
func (m *CallAccept) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

type CallDecline struct {
	GroupID      domain.GroupID `json:"group_id"`
	TargetUserID domain.UserID  `json:"target_user_id,omitempty"`
	UserID       domain.UserID  `json:"user_id,omitempty"`
}

func (*CallDecline) Kind() Type              { return TypeCallDecline }
func (m *CallDecline) From() domain.UserID   { return m.UserID }
func (m *CallDecline) Target() domain.UserID { return m.TargetUserID }
func (m *CallDecline) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

type Offer struct {
	TargetUserID domain.UserID             `json:"target_user_id"`
	GroupID      domain.GroupID            `json:"group_id"`
	OffererID    domain.UserID             `json:"offerer_id,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

func (*Offer) Kind() Type              { return TypeOffer }
func (m *Offer) From() domain.UserID   { return m.OffererID }
func (m *Offer) Target() domain.UserID { return m.TargetUserID }
func (m *Offer) Stamp(from domain.UserID, g domain.GroupID) {
	m.OffererID, m.GroupID = from, g
}

type Answer struct {
	TargetUserID domain.UserID             `json:"target_user_id"`
	GroupID      domain.GroupID            `json:"group_id"`
	AnswererID   domain.UserID             `json:"answerer_id,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

func (*Answer) Kind() Type              { return TypeAnswer }
func (m *Answer) From() domain.UserID   { return m.AnswererID }
func (m *Answer) Target() domain.UserID { return m.TargetUserID }
func (m *Answer) Stamp(from domain.UserID, g domain.GroupID) {
	m.AnswererID, m.GroupID = from, g
}

type ICECandidate struct {
	TargetUserID domain.UserID           `json:"target_user_id"`
	GroupID      domain.GroupID          `json:"group_id"`
	SenderID     domain.UserID           `json:"sender_id,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

func (*ICECandidate) Kind() Type              { return TypeICECandidate }
func (m *ICECandidate) From() domain.UserID   { return m.SenderID }
func (m *ICECandidate) Target() domain.UserID { return m.TargetUserID }
func (m *ICECandidate) Stamp(from domain.UserID, g domain.GroupID) {
	m.SenderID, m.GroupID = from, g
}

// ParticipantReady is broadcast once local media is live.
type ParticipantReady struct {
	GroupID domain.GroupID `json:"group_id"`
	UserID  domain.UserID  `json:"user_id"`
}

func (*ParticipantReady) Kind() Type            { return TypeParticipantReady }
func (m *ParticipantReady) From() domain.UserID { return m.UserID }
func (m *ParticipantReady) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

// ParticipantsList enumerates the current call members for a newcomer.
type ParticipantsList struct {
	GroupID      domain.GroupID  `json:"group_id"`
	Participants []domain.UserID `json:"participants"`
}

func (*ParticipantsList) Kind() Type { return TypeParticipantsList }

type MuteStatusChanged struct {
	GroupID domain.GroupID `json:"group_id"`
	UserID  domain.UserID  `json:"user_id"`
	IsMuted bool           `json:"is_muted"`
}

func (*MuteStatusChanged) Kind() Type            { return TypeMuteStatusChanged }
func (m *MuteStatusChanged) From() domain.UserID { return m.UserID }
func (m *MuteStatusChanged) Stamp(from domain.UserID, g domain.GroupID) {
	m.UserID, m.GroupID = from, g
}

type UserJoined struct {
	GroupID domain.GroupID `json:"group_id"`
	UserID  domain.UserID  `json:"user_id"`
}

func (*UserJoined) Kind() Type            { return TypeUserJoined }
func (m *UserJoined) From() domain.UserID { return m.UserID }

type UserLeft struct {
	GroupID domain.GroupID `json:"group_id"`
	UserID  domain.UserID  `json:"user_id"`
}

func (*UserLeft) Kind() Type            { return TypeUserLeft }
func (m *UserLeft) From() domain.UserID { return m.UserID }

// Error is sent by the relay to the offending connection only.
type Error struct {
	Error string `json:"error"`
}

func (*Error) Kind() Type { return TypeError }

// Unknown carries a frame whose type this build does not model.
type Unknown struct {
	T   Type            `json:"-"`
	Raw json.RawMessage `json:"-"`
}

func (u *Unknown) Kind() Type { return u.T }
