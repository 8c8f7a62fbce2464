// Copyright 2024 Alexandre Mahdhaoui
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

package tls

import "sync"

// sessionState is what a resumed handshake needs to skip key exchange
// (spec.md §4.14: "resumed sessions skip key exchange and reuse the
// master secret").
type sessionState struct {
	sessionID     []byte
	masterSecret  []byte
	suite         Suite
	serverName    string
}

// SessionCache stores resumable sessions keyed by server name plus
// the root-of-trust that validated them (spec.md: "session cache key,
// renegotiation info"), so a session cannot be resumed against a
// connection that validated under a different trust policy.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewSessionCache constructs an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: map[string]*sessionState{}}
}

func cacheKey(serverName, rootOfTrust string) string { return serverName + "|" + rootOfTrust }

// Get returns a cached session for serverName/rootOfTrust, if any.
func (c *SessionCache) Get(serverName, rootOfTrust string) (*sessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[cacheKey(serverName, rootOfTrust)]
	return s, ok
}

// Put stores a session for later resumption.
func (c *SessionCache) Put(serverName, rootOfTrust string, s *sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[cacheKey(serverName, rootOfTrust)] = s
}

// Clear discards every cached session (spec.md's equivalent of a
// settings-block `clear`, used when a script forces a fresh handshake).
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = map[string]*sessionState{}
}
