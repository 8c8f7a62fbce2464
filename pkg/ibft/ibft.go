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

// Package ibft builds an iSCSI Boot Firmware Table: the ACPI table an
// OS installer reads to recover the iSCSI initiator/NIC/target
// configuration a SAN boot used, so installation can set up the same
// target for subsequent boots. Layout and field order follow
// original_source/src/arch/i386/interface/pcbios/ibft.c's
// ibft_fill_nic/ibft_fill_initiator/ibft_fill_target, which fill a
// statically preallocated table in place; this package instead
// serializes the table fresh on each Build, so its string block has
// no fixed size ceiling to enforce (the original's ibft_alloc_string
// ENOMEM check has no counterpart here). The filtered original_source
// tree carries ibft.c but not the ibft.h it depends on, so struct
// layouts below follow the IBM "iSCSI Boot Firmware Table" v1.02
// specification ibft.c's own doc comment cites, not a recovered
// header.
package ibft

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

const (
	signature = "iBFT"

	structureIDControl   = 1
	structureIDInitiator = 2
	structureIDNIC       = 3
	structureIDTarget    = 4

	flagBlockValid            = 1 << 0
	flagFirmwareBootSelected  = 1 << 1

	// CHAPNone through CHAPMutual mirror IBFT_CHAP_* (ibft.c's
	// ibft_fill_target_chap/ibft_fill_target_reverse_chap).
	CHAPNone   = 0
	CHAPOne    = 1
	CHAPMutual = 2
)

type acpiHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

type blockHeader struct {
	StructureID uint8
	Version     uint8
	Length      uint16
	Index       uint8
	Flags       uint8
	Reserved    uint16
}

type ibftString struct {
	Offset uint16
	Length uint16
}

type ipAddr [16]byte

// ipAddrFromV4 encodes an IPv4 address as an IPv4-mapped IPv6 address
// (ibft_set_ipaddr: "ipaddr->ones = 0xffff" when set), leaving the
// field all-zero when ip is nil or unspecified.
func ipAddrFromV4(ip net.IP) ipAddr {
	var a ipAddr
	v4 := ip.To4()
	if v4 == nil || ip.IsUnspecified() {
		return a
	}
	a[10], a[11] = 0xff, 0xff
	copy(a[12:], v4)
	return a
}

type controlBlock struct {
	Header     blockHeader
	Extensions uint16
	Initiator  uint16
	NIC0       uint16
	Target0    uint16
	NIC1       uint16
	Target1    uint16
	Reserved   uint16
}

type initiatorBlock struct {
	Header     blockHeader
	Flags      uint8
	Reserved   uint8
	ISNS       ipAddr
	SLP        ipAddr
	Radius1    ipAddr
	Radius2    ipAddr
	Name       ibftString
}

type nicBlock struct {
	Header           blockHeader
	IPAddress        ipAddr
	SubnetMaskPrefix uint8
	Origin           uint8
	Gateway          ipAddr
	PrimaryDNS       ipAddr
	SecondaryDNS     ipAddr
	DHCP             ipAddr
	VLAN             uint16
	MACAddress       [6]byte
	PCIBusDevFunc    uint16
	Hostname         ibftString
}

type targetBlock struct {
	Header               blockHeader
	IPAddress            ipAddr
	Port                 uint16
	LUN                  [8]byte
	CHAPType             uint8
	NICAssociation       uint8
	TargetName           ibftString
	CHAPName             ibftString
	CHAPSecret           ibftString
	ReverseCHAPName      ibftString
	ReverseCHAPSecret    ibftString
}

// NIC is the network-device portion of the table (ibft_fill_nic).
type NIC struct {
	IP               net.IP
	SubnetMaskPrefix uint8
	Gateway          net.IP
	DNS              net.IP
	Hostname         string
	MACAddress       net.HardwareAddr
	PCIBusDevFunc    uint16
}

// Target is one iSCSI target portion of the table (ibft_fill_target),
// with optional CHAP/reverse-CHAP credentials.
type Target struct {
	IP   net.IP
	Port uint16
	IQN  string

	CHAPUsername string
	CHAPPassword string

	ReverseCHAPUsername string
	ReverseCHAPPassword string
}

type stringAllocator struct {
	base uint16
	buf  bytes.Buffer
}

// alloc mirrors ibft_alloc_string + ibft_set_string: NUL-terminate the
// stored copy but report Length as the string's own byte count.
func (s *stringAllocator) alloc(data string) ibftString {
	if data == "" {
		return ibftString{}
	}
	off := s.base + uint16(s.buf.Len())
	s.buf.WriteString(data)
	s.buf.WriteByte(0)
	return ibftString{Offset: off, Length: uint16(len(data))}
}

// Build assembles a complete iBFT for one NIC/initiator/target
// (ibft_fill_data), returning the serialized table with its ACPI
// checksum already fixed up (acpi_fix_checksum).
func Build(initiatorIQN string, nic NIC, target Target) ([]byte, error) {
	if len(nic.MACAddress) != 6 {
		return nil, errno.New(errno.InvalidArgument, "ibft: MAC address must be 6 bytes")
	}

	acpiLen := binary.Size(acpiHeader{})
	controlLen := binary.Size(controlBlock{})
	initiatorLen := binary.Size(initiatorBlock{})
	nicLen := binary.Size(nicBlock{})
	targetLen := binary.Size(targetBlock{})

	controlOff := acpiLen
	initiatorOff := controlOff + controlLen
	nicOff := initiatorOff + initiatorLen
	targetOff := nicOff + nicLen
	stringsOff := targetOff + targetLen

	strs := &stringAllocator{base: uint16(stringsOff)}

	initiator := initiatorBlock{
		Header: blockHeader{StructureID: structureIDInitiator, Version: 1, Length: uint16(initiatorLen)},
		Flags:  flagBlockValid | flagFirmwareBootSelected,
		Name:   strs.alloc(initiatorIQN),
	}

	var subnetCount uint8
	if nic.SubnetMaskPrefix > 0 {
		subnetCount = nic.SubnetMaskPrefix
	}
	nicBlk := nicBlock{
		Header:           blockHeader{StructureID: structureIDNIC, Version: 1, Length: uint16(nicLen)},
		IPAddress:        ipAddrFromV4(nic.IP),
		SubnetMaskPrefix: subnetCount,
		Gateway:          ipAddrFromV4(nic.Gateway),
		PrimaryDNS:       ipAddrFromV4(nic.DNS),
		PCIBusDevFunc:    nic.PCIBusDevFunc,
		Hostname:         strs.alloc(nic.Hostname),
	}
	nicBlk.Header.Flags = flagBlockValid | flagFirmwareBootSelected
	copy(nicBlk.MACAddress[:], nic.MACAddress)

	tgt := targetBlock{
		Header:     blockHeader{StructureID: structureIDTarget, Version: 1, Length: uint16(targetLen)},
		IPAddress:  ipAddrFromV4(target.IP),
		Port:       target.Port,
		TargetName: strs.alloc(target.IQN),
	}
	tgt.Header.Flags = flagBlockValid | flagFirmwareBootSelected

	if target.CHAPUsername != "" {
		tgt.CHAPType = CHAPOne
		tgt.CHAPName = strs.alloc(target.CHAPUsername)
		tgt.CHAPSecret = strs.alloc(target.CHAPPassword)
	}
	if target.ReverseCHAPUsername != "" {
		tgt.CHAPType = CHAPMutual
		tgt.ReverseCHAPName = strs.alloc(target.ReverseCHAPUsername)
		tgt.ReverseCHAPSecret = strs.alloc(target.ReverseCHAPPassword)
	}

	control := controlBlock{
		Header:    blockHeader{StructureID: structureIDControl, Version: 1, Length: uint16(controlLen)},
		Initiator: uint16(initiatorOff),
		NIC0:      uint16(nicOff),
		Target0:   uint16(targetOff),
	}

	totalLen := stringsOff + strs.buf.Len()
	hdr := acpiHeader{
		Length:      uint32(totalLen),
		Revision:    1,
		OEMRevision: 1,
	}
	copy(hdr.Signature[:], signature)
	copy(hdr.OEMID[:], "FENSYS")
	copy(hdr.OEMTableID[:], "ipxecore")

	var buf bytes.Buffer
	for _, v := range []any{hdr, control, initiator, nicBlk, tgt} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, errno.Wrap(errno.InvalidArgument, err)
		}
	}
	buf.Write(strs.buf.Bytes())

	out := buf.Bytes()
	fixChecksum(out)
	return out, nil
}

// fixChecksum sets byte 9 (the ACPI header's Checksum field) so the
// sum of every byte in the table is zero mod 256 (acpi_fix_checksum).
func fixChecksum(table []byte) {
	const checksumOffset = 9
	table[checksumOffset] = 0
	var sum byte
	for _, b := range table {
		sum += b
	}
	table[checksumOffset] = byte(0) - sum
}
