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

// Package netip holds the internet checksum helper shared by IPv4,
// ICMP, UDP and TCP (spec.md §4.9/§4.10/§4.11), instead of each
// transport hand-rolling its own one's-complement sum, following the
// layered-contract style observed across the packet-processing
// examples in the retrieval pack.
package netip

import "encoding/binary"

// ComputeChecksum returns the RFC 1071 one's-complement checksum of b.
func ComputeChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderSum folds the IPv4/IPv6 pseudo-header fields (source,
// destination, protocol, length) into a running checksum accumulator
// so UDP/TCP/ICMPv6 can checksum their payload together with the
// pseudo-header without allocating a combined buffer.
func PseudoHeaderSum(src, dst []byte, protocol uint8, length uint32) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(src)
	add(dst)
	sum += uint32(protocol)
	sum += length >> 16
	sum += length & 0xffff
	return sum
}

// FinishChecksum adds the bytes of b to a running 32-bit accumulator
// (e.g. one seeded with PseudoHeaderSum) and folds the result down to
// the final one's-complement checksum.
func FinishChecksum(partial uint32, b []byte) uint16 {
	sum := partial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
