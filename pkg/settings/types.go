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

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// Type drives how a setting's raw bytes are parsed and formatted,
// mirroring the type tag spec.md §3 lists for a Setting: "string,
// uint8/16/32, ipv4, ipv6, hex, uuid, etc."
type Type int

const (
	TypeString Type = iota
	TypeUint8
	TypeUint16
	TypeUint32
	TypeIPv4
	TypeIPv6
	TypeHex
	TypeUUID
)

// encode converts a typed Go value into the raw wire bytes a Block stores.
func encode(typ Type, value any) ([]byte, error) {
	switch typ {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want string")
		}
		return []byte(s), nil

	case TypeUint8:
		v, ok := value.(uint8)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want uint8")
		}
		return []byte{v}, nil

	case TypeUint16:
		v, ok := value.(uint16)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want uint16")
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, nil

	case TypeUint32:
		v, ok := value.(uint32)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want uint32")
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, v)
		return buf, nil

	case TypeIPv4:
		ip, ok := value.(net.IP)
		if !ok || ip.To4() == nil {
			return nil, errno.New(errno.InvalidArgument, "settings: want IPv4 address")
		}
		return append([]byte(nil), ip.To4()...), nil

	case TypeIPv6:
		ip, ok := value.(net.IP)
		if !ok || ip.To16() == nil {
			return nil, errno.New(errno.InvalidArgument, "settings: want IPv6 address")
		}
		return append([]byte(nil), ip.To16()...), nil

	case TypeHex:
		b, ok := value.([]byte)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want []byte")
		}
		return append([]byte(nil), b...), nil

	case TypeUUID:
		u, ok := value.(uuid.UUID)
		if !ok {
			return nil, errno.New(errno.InvalidArgument, "settings: want uuid.UUID")
		}
		return append([]byte(nil), u[:]...), nil

	default:
		return nil, errno.New(errno.NotSupported, fmt.Sprintf("settings: unknown type %d", typ))
	}
}

// decode parses raw wire bytes back into a typed Go value.
func decode(typ Type, raw []byte) (any, error) {
	switch typ {
	case TypeString:
		return string(raw), nil

	case TypeUint8:
		if len(raw) != 1 {
			return nil, errno.New(errno.InvalidArgument, "settings: uint8 wants 1 byte")
		}
		return raw[0], nil

	case TypeUint16:
		if len(raw) != 2 {
			return nil, errno.New(errno.InvalidArgument, "settings: uint16 wants 2 bytes")
		}
		return binary.BigEndian.Uint16(raw), nil

	case TypeUint32:
		if len(raw) != 4 {
			return nil, errno.New(errno.InvalidArgument, "settings: uint32 wants 4 bytes")
		}
		return binary.BigEndian.Uint32(raw), nil

	case TypeIPv4:
		if len(raw) != 4 {
			return nil, errno.New(errno.InvalidArgument, "settings: ipv4 wants 4 bytes")
		}
		return net.IP(append([]byte(nil), raw...)), nil

	case TypeIPv6:
		if len(raw) != 16 {
			return nil, errno.New(errno.InvalidArgument, "settings: ipv6 wants 16 bytes")
		}
		return net.IP(append([]byte(nil), raw...)), nil

	case TypeHex:
		return append([]byte(nil), raw...), nil

	case TypeUUID:
		if len(raw) != 16 {
			return nil, errno.New(errno.InvalidArgument, "settings: uuid wants 16 bytes")
		}
		u, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, errno.Wrap(errno.InvalidArgument, err)
		}
		return u, nil

	default:
		return nil, errno.New(errno.NotSupported, fmt.Sprintf("settings: unknown type %d", typ))
	}
}

// Named is the symbolic-name/type/DHCP-tag table every named setting
// in the stack is resolved through, adapted from the teacher's
// IpxeParams field table (internal/types/types.ipxe.go): each name the
// teacher modeled as a struct field becomes one entry here, keeping
// the same DHCP tag numbering (RFC 2132 where standard, iPXE-specific
// numbers under encapsulator 175 otherwise).
type Named struct {
	Name string
	Tag  Tag
	Type Type
}

var namedTable = []Named{
	{"mac", NumericTag(0), TypeHex},
	{"bustype", EncapsulatedTag(175, 0x12), TypeString},
	{"busloc", EncapsulatedTag(175, 0x13), TypeUint32},
	{"busid", EncapsulatedTag(175, 0xb1), TypeHex},
	{"chip", EncapsulatedTag(175, 0x14), TypeString},
	{"ssid", EncapsulatedTag(175, 0x15), TypeString},
	{"active-scan", EncapsulatedTag(175, 0x16), TypeUint8},
	{"key", EncapsulatedTag(175, 0x17), TypeString},

	// "ip" is the BOOTP yiaddr field, not a DHCP option, so it gets a
	// synthetic iPXE-private tag rather than colliding with "netmask"'s
	// real option 1; pkg/proto/dhcp stores it there explicitly on ACK.
	{"ip", EncapsulatedTag(175, 0x40), TypeIPv4},
	{"netmask", NumericTag(1), TypeIPv4},
	{"gateway", NumericTag(3), TypeIPv4},
	{"dns", NumericTag(6), TypeIPv4},
	{"domain", NumericTag(15), TypeString},

	{"filename", NumericTag(67), TypeString},
	{"next-server", NumericTag(66), TypeIPv4},
	{"root-path", NumericTag(17), TypeString},
	{"san-filename", EncapsulatedTag(175, 0xbd), TypeString},
	{"initiator-iqn", EncapsulatedTag(175, 0xbe), TypeString},
	{"keep-san", EncapsulatedTag(175, 0x1a), TypeUint8},
	{"skip-san-boot", EncapsulatedTag(175, 0x1b), TypeUint8},
	{"san-drive", EncapsulatedTag(175, 0x1d), TypeUint8},

	{"hostname", NumericTag(12), TypeString},
	{"uuid", EncapsulatedTag(175, 0x1c), TypeUUID},
	{"user-class", NumericTag(77), TypeString},
	{"manufacturer", EncapsulatedTag(175, 0x21), TypeString},
	{"product", EncapsulatedTag(175, 0x22), TypeString},
	{"serial", EncapsulatedTag(175, 0x23), TypeString},
	{"asset", EncapsulatedTag(175, 0x24), TypeString},

	{"username", EncapsulatedTag(175, 0xbf), TypeString},
	{"password", EncapsulatedTag(175, 0xc0), TypeString},
	{"reverse-username", EncapsulatedTag(175, 0xc1), TypeString},
	{"reverse-password", EncapsulatedTag(175, 0xc2), TypeString},

	{"crosscert", EncapsulatedTag(175, 0xc3), TypeString},
	{"trust", EncapsulatedTag(175, 0xc4), TypeHex},
	{"cert", EncapsulatedTag(175, 0xc5), TypeHex},
	{"privkey", EncapsulatedTag(175, 0xc6), TypeHex},

	{"buildarch", EncapsulatedTag(175, 0x30), TypeString},
	{"dhcp-server", NumericTag(54), TypeIPv4},
	{"keymap", EncapsulatedTag(175, 0x31), TypeString},
	{"memsize", EncapsulatedTag(175, 0x32), TypeUint32},
	{"platform", EncapsulatedTag(175, 0x33), TypeString},
	{"priority", EncapsulatedTag(175, 0xb0), TypeUint8},
	{"scriptlet", EncapsulatedTag(175, 0x34), TypeString},
	{"syslog", NumericTag(7), TypeIPv4},
	{"unixtime", EncapsulatedTag(175, 0x35), TypeUint32},
	{"use-cached", EncapsulatedTag(175, 0x36), TypeUint8},
	{"version", EncapsulatedTag(175, 0x37), TypeString},
}

var byName = func() map[string]Named {
	m := make(map[string]Named, len(namedTable))
	for _, n := range namedTable {
		m[n.Name] = n
	}
	return m
}()

// ResolveName looks up a symbolic setting name (as used on the command
// line, e.g. `set hostname foo` or `${ip}` script expansion) and
// returns its Tag and Type.
func ResolveName(name string) (Named, bool) {
	n, ok := byName[name]
	return n, ok
}

// FetchNamed is a convenience wrapper resolving name through the named
// table before calling Fetch.
func FetchNamed(scope *Block, name string) (any, error) {
	n, ok := ResolveName(name)
	if !ok {
		return nil, errno.New(errno.NoSuchEntity, fmt.Sprintf("no such named setting %q", name))
	}
	return Fetch(scope, n.Tag, n.Type)
}

// StoreNamed is a convenience wrapper resolving name through the named
// table before calling Store.
func StoreNamed(b *Block, name string, value any) error {
	n, ok := ResolveName(name)
	if !ok {
		return errno.New(errno.NoSuchEntity, fmt.Sprintf("no such named setting %q", name))
	}
	return Store(b, n.Tag, n.Type, value)
}
