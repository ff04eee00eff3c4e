package history

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown message role %q", s)
	}
}

type Message struct {
	Role    Role
	Content string
}

type conversation struct {
	// turn serializes whole chat exchanges for the agent; mu guards messages only.
	turn     sync.Mutex
	mu       sync.RWMutex
	messages []Message
}

func (c *conversation) snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *conversation) append(msgs ...Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
}

func (c *conversation) clear() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// Store keeps one ordered conversation per agent id.
type Store struct {
	mu    sync.Mutex
	convs map[string]*conversation
}

func NewStore() *Store {
	return &Store{convs: make(map[string]*conversation)}
}

func (s *Store) get(agentID string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[agentID]
	if !ok {
		c = &conversation{}
		s.convs[agentID] = c
	}
	return c
}

func (s *Store) lookup(agentID string) (*conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[agentID]
	return c, ok
}

// Append adds one message outside a chat exchange. It waits for the agent's
// in-flight turn so the message never lands between a prompt and its reply.
func (s *Store) Append(agentID string, role Role, content string) {
	c := s.get(agentID)
	c.turn.Lock()
	defer c.turn.Unlock()
	c.append(Message{Role: role, Content: content})
}

// Snapshot copies the agent's messages. Unknown agents yield an empty slice.
func (s *Store) Snapshot(agentID string) []Message {
	c, ok := s.lookup(agentID)
	if !ok {
		return []Message{}
	}
	return c.snapshot()
}

func (s *Store) Clear(agentID string) {
	if c, ok := s.lookup(agentID); ok {
		c.clear()
	}
}

func (s *Store) Len(agentID string) int {
	c, ok := s.lookup(agentID)
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (s *Store) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Turn struct {
	conv *conversation
}

func (t *Turn) Messages() []Message {
	return t.conv.snapshot()
}

func (t *Turn) Commit(msgs ...Message) {
	t.conv.append(msgs...)
}

// Exclusive runs fn while holding the agent's turn lock. Snapshot and Clear
// do not wait for fn.
func (s *Store) Exclusive(agentID string, fn func(t *Turn) error) error {
	c := s.get(agentID)
	c.turn.Lock()
	defer c.turn.Unlock()
	return fn(&Turn{conv: c})
}
