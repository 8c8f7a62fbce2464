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

// Package settings implements the hierarchical typed key/value store of
// spec.md §3/§4.5: named blocks form a tree rooted at a global block;
// fetch walks registered blocks in order, store writes to the owning
// block, and every setting is typed (string/uint8/16/32/ipv4/ipv6/hex/
// uuid) so raw DHCP-derived bytes round-trip through a Go value.
package settings

import (
	"fmt"
	"sort"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// Tag identifies a setting within a block: either a numeric DHCP
// option number (possibly nested inside an encapsulating option, per
// spec.md §4.5) or a symbolic name resolved against the named-tag
// table in types.go.
type Tag struct {
	Encapsulator uint8 // 0 when the tag is not nested
	Number       uint8
	Name         string // symbolic name, e.g. "ip"; empty for numeric-only tags
}

// NumericTag returns a Tag for a plain (non-encapsulated) DHCP option.
func NumericTag(n uint8) Tag { return Tag{Number: n} }

// EncapsulatedTag returns a Tag nested inside encapsulator (spec.md's
// "a single tag number whose value is itself a TLV stream", used for
// the iPXE-specific options under encapsulator 175).
func EncapsulatedTag(encap, n uint8) Tag { return Tag{Encapsulator: encap, Number: n} }

// key is the map key derived from a Tag for storage purposes.
type key struct {
	encap uint8
	num   uint8
}

func (t Tag) key() key { return key{encap: t.Encapsulator, num: t.Number} }

func (t Tag) String() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Encapsulator != 0 {
		return fmt.Sprintf("%d.%d", t.Encapsulator, t.Number)
	}
	return fmt.Sprintf("%d", t.Number)
}

// Block is one node of the settings tree: a named scope (per-NIC,
// process-wide, a parsed DHCP option block) holding raw encoded bytes
// per tag, plus child blocks registered under it.
type Block struct {
	mu       sync.RWMutex
	name     string
	parent   *Block
	children []*Block
	values   map[key][]byte
}

// NewBlock constructs an empty, unregistered block named name.
func NewBlock(name string) *Block {
	return &Block{name: name, values: map[key][]byte{}}
}

// Name returns the block's registration name.
func (b *Block) Name() string { return b.name }

// Root holds the process-wide global settings tree, the scope every
// other block is ultimately registered under (directly, or via a
// per-NIC block's parent chain).
var Root = NewBlock("")

// RegisterSettings attaches block as a child of parent (Root if parent
// is nil), per spec.md's `register_settings(block, parent)`.
func RegisterSettings(block, parent *Block) {
	if parent == nil {
		parent = Root
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	block.parent = parent
	parent.children = append(parent.children, block)
}

// UnregisterSettings detaches block from its parent.
func UnregisterSettings(block *Block) {
	parent := block.parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for i, c := range parent.children {
		if c == block {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	block.parent = nil
}

// Clear removes every stored value from block (spec.md's `clear(block)`),
// leaving its registration and children intact.
func Clear(block *Block) {
	block.mu.Lock()
	defer block.mu.Unlock()
	block.values = map[key][]byte{}
}

// storeRaw writes the owning block's encoded bytes for tag directly,
// with no type encoding — used by the DHCP TLV decoder, which already
// holds raw option bytes.
func (b *Block) storeRaw(tag Tag, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	b.values[tag.key()] = cp
}

// StoreRaw is storeRaw exported for pkg/proto/dhcp's option decoder,
// which already holds the raw TLV value bytes off the wire and must
// not re-encode them.
func StoreRaw(b *Block, tag Tag, raw []byte) { b.storeRaw(tag, raw) }

// fetchRaw looks up tag in b only (no tree walk), returning the raw
// bytes previously stored and whether they were found.
func (b *Block) fetchRaw(tag Tag) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[tag.key()]
	return v, ok
}

// Store encodes value according to typ and writes it into b (spec.md's
// `store(setting, data, len)`).
func Store(b *Block, tag Tag, typ Type, value any) error {
	raw, err := encode(typ, value)
	if err != nil {
		return err
	}
	b.storeRaw(tag, raw)
	return nil
}

// Fetch resolves tag starting at scope and walking up through
// registered parents (spec.md: "named blocks consulted in registration
// order; per-NIC overlays visible only when a NIC is selected" — the
// overlay precedence is expressed by searching scope itself first,
// then its ancestors, so a NIC-specific block always shadows Root).
// The decoded value is type-parsed according to typ.
func Fetch(scope *Block, tag Tag, typ Type) (any, error) {
	for b := scope; b != nil; b = b.parent {
		if raw, ok := b.fetchRaw(tag); ok {
			return decode(typ, raw)
		}
	}
	return nil, errno.New(errno.NoSuchEntity, fmt.Sprintf("setting %s not found", tag))
}

// FetchRaw resolves tag exactly like Fetch but returns the raw encoded
// bytes without type-parsing, for callers that only need presence or
// the wire form (e.g. re-encoding an option block verbatim).
func FetchRaw(scope *Block, tag Tag) ([]byte, bool) {
	for b := scope; b != nil; b = b.parent {
		if raw, ok := b.fetchRaw(tag); ok {
			return raw, true
		}
	}
	return nil, false
}

// Children returns block's registered children, ordered by
// registration (the order spec.md's fetch walk consults them in).
func (b *Block) Children() []*Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Block, len(b.children))
	copy(out, b.children)
	return out
}

// Tags returns every tag currently stored directly on b, sorted for
// deterministic iteration (used by the DHCP TLV encoder and by `show`
// in the script interpreter).
func (b *Block) Tags() []Tag {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tags := make([]Tag, 0, len(b.values))
	for k := range b.values {
		tags = append(tags, Tag{Encapsulator: k.encap, Number: k.num})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Encapsulator != tags[j].Encapsulator {
			return tags[i].Encapsulator < tags[j].Encapsulator
		}
		return tags[i].Number < tags[j].Number
	})
	return tags
}
