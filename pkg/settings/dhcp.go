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

package settings

import "github.com/netboot-go/ipxecore/pkg/errno"

// RawOption is one decoded DHCP option: tag 0 (pad) and 255 (end) are
// never represented here — they are structural markers, not data.
type RawOption struct {
	Number uint8
	Value  []byte
}

// DecodeTLV parses a DHCP option TLV stream per spec.md §4.5: single
// byte tag, single byte length, value; tags 0 and 255 are no-length
// padding/terminator. Options sharing the same tag are concatenated
// ("Options may be split across multiple TLVs with the same tag").
func DecodeTLV(data []byte) ([]RawOption, error) {
	byTag := map[uint8]*RawOption{}
	var order []uint8

	i := 0
	for i < len(data) {
		tag := data[i]
		if tag == 0 {
			i++
			continue
		}
		if tag == 255 {
			break
		}
		if i+1 >= len(data) {
			return nil, errno.New(errno.Protocol, "dhcp: truncated option length")
		}
		length := int(data[i+1])
		start := i + 2
		end := start + length
		if end > len(data) {
			return nil, errno.New(errno.Protocol, "dhcp: option value runs past end of stream")
		}
		if opt, ok := byTag[tag]; ok {
			opt.Value = append(opt.Value, data[start:end]...)
		} else {
			v := make([]byte, length)
			copy(v, data[start:end])
			byTag[tag] = &RawOption{Number: tag, Value: v}
			order = append(order, tag)
		}
		i = end
	}

	out := make([]RawOption, 0, len(order))
	for _, tag := range order {
		out = append(out, *byTag[tag])
	}
	return out, nil
}

// EncodeTLV serialises opts back into a DHCP option TLV stream,
// terminated by the end marker (tag 255). A value of up to 255 bytes
// is emitted as one TLV; a longer value is split over consecutive TLVs
// with the same tag, 255 bytes each and the remainder last.
func EncodeTLV(opts []RawOption) []byte {
	out := make([]byte, 0, 2*len(opts)+1)
	for _, o := range opts {
		v := o.Value
		for len(v) > 255 {
			out = append(out, o.Number, 255)
			out = append(out, v[:255]...)
			v = v[255:]
		}
		out = append(out, o.Number, byte(len(v)))
		out = append(out, v...)
	}
	out = append(out, 255)
	return out
}

// encapsulatingTags lists the DHCP options whose value is itself a
// nested TLV stream (option 43 vendor-specific info, option 175
// iPXE-specific options), per spec.md §4.5's "Encapsulated blocks
// recurse using a single tag number whose value is itself a TLV
// stream."
var encapsulatingTags = map[uint8]bool{
	43:  true,
	175: true,
}

// DecodeIntoBlock decodes a full DHCP option stream (as received in a
// BOOTP packet's options field, or a reassembled option-52 overload of
// file/sname) and stores every option — recursing one level into
// known encapsulating options — into block.
func DecodeIntoBlock(block *Block, data []byte) error {
	opts, err := DecodeTLV(data)
	if err != nil {
		return err
	}
	for _, o := range opts {
		if encapsulatingTags[o.Number] {
			nested, err := DecodeTLV(o.Value)
			if err != nil {
				return err
			}
			for _, n := range nested {
				block.storeRaw(EncapsulatedTag(o.Number, n.Number), n.Value)
			}
			continue
		}
		block.storeRaw(NumericTag(o.Number), o.Value)
	}
	return nil
}

// EncodeFromBlock is the inverse of DecodeIntoBlock: it serialises
// every tag stored directly on block (not its ancestors) back into a
// DHCP option TLV stream, re-nesting tags that share an encapsulator.
func EncodeFromBlock(block *Block) []byte {
	top := map[uint8][]RawOption{}
	var plain []RawOption
	var plainOrder, encapOrder []uint8

	for _, tag := range block.Tags() {
		raw, _ := block.fetchRaw(tag)
		if tag.Encapsulator == 0 {
			plain = append(plain, RawOption{Number: tag.Number, Value: raw})
			plainOrder = append(plainOrder, tag.Number)
			continue
		}
		if _, ok := top[tag.Encapsulator]; !ok {
			encapOrder = append(encapOrder, tag.Encapsulator)
		}
		top[tag.Encapsulator] = append(top[tag.Encapsulator], RawOption{Number: tag.Number, Value: raw})
	}
	_ = plainOrder

	out := append([]RawOption(nil), plain...)
	for _, encap := range encapOrder {
		out = append(out, RawOption{Number: encap, Value: EncodeTLV(top[encap])})
	}
	return EncodeTLV(out)
}
