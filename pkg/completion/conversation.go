package completion

import (
	"sync"

	"github.com/ryanm/call-gpt/pkg/llm"
)

// Conversation is the append-only message history sent with every request.
type Conversation struct {
	mu       sync.RWMutex
	messages []llm.Message
}

// NewConversation seeds the history with the system prompt and, when set,
// the greeting the caller hears first.
func NewConversation(systemPrompt, greeting string) *Conversation {
	c := &Conversation{}
	if systemPrompt != "" {
		c.Append(llm.RoleSystem, "", systemPrompt)
	}
	if greeting != "" {
		c.Append(llm.RoleAssistant, "", greeting)
	}
	return c
}

// Append adds a message. The name "user" is dropped since it only
// restates the role.
func (c *Conversation) Append(role, name, content string) {
	if name == llm.RoleUser {
		name = ""
	}
	c.mu.Lock()
	c.messages = append(c.messages, llm.Message{Role: role, Name: name, Content: content})
	c.mu.Unlock()
}

// Messages returns a snapshot of the history.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]llm.Message(nil), c.messages...)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
