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

package dhcp

import (
	"encoding/binary"
	"net"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/settings"
)

const bootpFixedLen = 236 // op..file, before the magic cookie

// Packet is a parsed BOOTP/DHCP message (RFC 2131).
type Packet struct {
	Op      byte
	Xid     uint32
	YourIP  net.IP
	Server  net.IP
	File    string
	Options map[uint8][]byte
}

// MsgType returns the DHCP message type option (53), or 0 if absent.
func (p *Packet) MsgType() byte {
	if v, ok := p.Options[optMsgType]; ok && len(v) == 1 {
		return v[0]
	}
	return 0
}

// Parse decodes a BOOTP/DHCP packet, concatenating multiple TLVs with
// the same tag per spec.md §4.5's "concatenation semantics", and
// processing option 52 overloaded file/sname fields.
func Parse(b []byte) (*Packet, error) {
	if len(b) < bootpFixedLen+4 {
		return nil, errno.New(errno.Protocol, "dhcp: short packet")
	}
	p := &Packet{
		Op:      b[0],
		Xid:     binary.BigEndian.Uint32(b[4:8]),
		YourIP:  net.IP(append([]byte(nil), b[16:20]...)),
		Server:  net.IP(append([]byte(nil), b[20:24]...)),
		Options: map[uint8][]byte{},
	}
	fileRaw := b[108:236]
	if binary.BigEndian.Uint32(b[236:240]) != magicCookie {
		return nil, errno.New(errno.Protocol, "dhcp: bad magic cookie")
	}
	parseOptions(b[240:], p.Options)

	overload := byte(0)
	if v, ok := p.Options[52]; ok && len(v) == 1 {
		overload = v[0]
	}
	if overload&1 != 0 {
		parseOptions(fileRaw, p.Options)
		p.File = ""
	} else {
		p.File = cstring(fileRaw)
	}
	return p, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseOptions walks a TLV stream, handling tags 0 (pad) and 255
// (end) with no length byte, and concatenating repeated tags
// (spec.md §4.5).
func parseOptions(b []byte, out map[uint8][]byte) {
	for i := 0; i < len(b); {
		tag := b[i]
		if tag == optPad {
			i++
			continue
		}
		if tag == optEnd {
			return
		}
		if i+1 >= len(b) {
			return
		}
		length := int(b[i+1])
		if i+2+length > len(b) {
			return
		}
		out[tag] = append(out[tag], b[i+2:i+2+length]...)
		i += 2 + length
	}
}

// optWriter encodes a DHCP option TLV stream, single byte tag, single
// byte length, value (spec.md §4.5).
type optWriter struct {
	buf []byte
}

func (w *optWriter) put(tag byte, value []byte) {
	if tag == optPad || tag == optEnd {
		w.buf = append(w.buf, tag)
		return
	}
	for len(value) > 255 {
		w.buf = append(w.buf, tag, 255)
		w.buf = append(w.buf, value[:255]...)
		value = value[255:]
	}
	w.buf = append(w.buf, tag, byte(len(value)))
	w.buf = append(w.buf, value...)
}

func (w *optWriter) Bytes() []byte { return w.buf }

// buildPacket encodes a client BOOTREQUEST with the given options TLV
// stream already built by buildOptions.
func buildPacket(xid uint32, ciaddr, yiaddr net.IP, chaddr []byte, options []byte) []byte {
	buf := make([]byte, bootpFixedLen+4+len(options))
	buf[0] = opBootRequest
	buf[1] = htypeEther
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], xid)
	if ciaddr != nil {
		copy(buf[12:16], ciaddr.To4())
	}
	if yiaddr != nil {
		copy(buf[16:20], yiaddr.To4())
	}
	copy(buf[28:28+len(chaddr)], chaddr)
	binary.BigEndian.PutUint32(buf[236:240], magicCookie)
	copy(buf[240:], options)
	return buf
}

// applyToSettings stores every decoded DHCP option into the device's
// settings block, per spec.md §4.12: "On ACK, all options are stored
// into the NIC's settings block."
func applyToSettings(block *settings.Block, result *Result) {
	for tag, value := range result.Options {
		settings.StoreRaw(block, settings.NumericTag(tag), value)
	}
	// yiaddr isn't an option, so the loop above never stores it; give it
	// the synthetic "ip" tag settings.Named reserves for it.
	if result.YourIP != nil {
		settings.StoreRaw(block, settings.EncapsulatedTag(175, 0x40), result.YourIP.To4())
	}
}
