// Package chat sends and receives group text messages over the channel
// shared with call signaling.
package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/rs/zerolog/log"
)

const maxContent = 4000

var (
	ErrEmpty    = errors.New("chat: empty message")
	ErrTooLong  = errors.New("chat: message too long")
	ErrNotSent  = errors.New("chat: channel is not open")
	ErrNoSource = errors.New("chat: no history source")
)

// History pages back from the newest stored messages; each page is
// ordered oldest first.
type History interface {
	Messages(ctx context.Context, group domain.GroupID, limit, offset int) ([]wire.Chat, error)
}

type Messenger struct {
	self    *domain.User
	group   domain.GroupID
	signal  core.SignalChannel
	history History

	mu       sync.RWMutex
	handlers []func(wire.Chat)
	sub      core.Subscription
}

func NewMessenger(self *domain.User, group domain.GroupID, signal core.SignalChannel, history History) *Messenger {
	m := &Messenger{self: self, group: group, signal: signal, history: history}
	m.sub = signal.On(core.EventFor(wire.TypeChat), m.dispatch)
	return m
}

// Send posts content to the group. The relay assigns the id and timestamp.
func (m *Messenger) Send(content string) error {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return ErrEmpty
	case len([]rune(content)) > maxContent:
		return ErrTooLong
	}
	ok := m.signal.Send(&wire.Chat{
		GroupID:  m.group,
		UserID:   m.self.ID,
		Username: m.self.DisplayName,
		Content:  content,
	})
	if !ok {
		return ErrNotSent
	}
	return nil
}

// OnMessage registers fn for messages of this group, including our own echoes.
func (m *Messenger) OnMessage(fn func(wire.Chat)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

func (m *Messenger) dispatch(msg wire.Message) {
	c, ok := msg.(*wire.Chat)
	if !ok || (c.GroupID != "" && c.GroupID != m.group) {
		return
	}
	m.mu.RLock()
	hs := slices.Clone(m.handlers)
	m.mu.RUnlock()
	for _, h := range hs {
		h(*c)
	}
}

// History returns up to limit stored messages starting at offset.
func (m *Messenger) History(ctx context.Context, limit, offset int) ([]wire.Chat, error) {
	if m.history == nil {
		return nil, ErrNoSource
	}
	msgs, err := m.history.Messages(ctx, m.group, limit, offset)
	if err != nil {
		log.Warn().Err(err).Str("module", "chat").Str("group", string(m.group)).Msg("history")
		return nil, err
	}
	return msgs, nil
}

func (m *Messenger) Close() {
	m.signal.Off(core.EventFor(wire.TypeChat), m.sub)
}
