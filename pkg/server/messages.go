// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/kadirpekel/tempo/pkg/pipeline"
)

// Message is one entry of the conversation shown to the user.
type Message struct {
	pipeline.Artifact
	Edits []pipeline.Partial `json:"edits,omitempty"`
}

// MessageStore is the in-memory message list. It is the pipeline's
// ResultSink.
type MessageStore struct {
	mu       sync.RWMutex
	messages []*Message
	index    map[string]*Message
}

var _ pipeline.ResultSink = (*MessageStore)(nil)

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[string]*Message)}
}

// AddMessage appends a.
func (s *MessageStore) AddMessage(a pipeline.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{Artifact: a}
	s.messages = append(s.messages, m)
	s.index[a.ID] = m
}

// UpdateMessage applies a line rewrite to the lyrics of message id.
func (s *MessageStore) UpdateMessage(id string, p pipeline.Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok {
		slog.Warn("Rewrite for unknown message", "message_id", id)
		return
	}
	if m.Song != nil && p.Original != "" {
		song := *m.Song
		song.Lyrics = strings.Replace(song.Lyrics, p.Original, p.Replacement, 1)
		m.Song = &song
	}
	m.Edits = append(m.Edits, p)
}

// List returns the messages in insertion order.
func (s *MessageStore) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = clone(m)
	}
	return out
}

// Get returns message id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return clone(m), true
}

func clone(m *Message) Message {
	c := *m
	c.Edits = slices.Clone(m.Edits)
	return c
}
