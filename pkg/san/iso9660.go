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

package san

import "bytes"

// iso9660SectorSize is the fixed ISO9660 logical sector size (spec.md
// §6: "ISO9660 primary volume descriptor at LBA 16 with identifier
// CD001").
const iso9660SectorSize = 2048

// iso9660PVDLBA is the fixed LBA of the primary volume descriptor.
const iso9660PVDLBA = 16

// iso9660Identifier is the standard identifier bytes at offset 1 of
// the volume descriptor.
var iso9660Identifier = []byte("CD001")

// detectISO9660 probes the underlying device at the block scaled by
// the ratio of 2048 to the device's native block size for an ISO9660
// primary volume descriptor (spec.md §4.15: "scaled by the ratio of
// 2048 to the underlying block size"), reporting whether it was
// found. readBlocks must deliver exactly count*blockLen bytes into buf
// before invoking done.
func detectISO9660(blockLen uint32, readBlocks func(lba uint64, count uint32, buf []byte, done func(error)), maxSteps int, poll func()) (bool, error) {
	if blockLen == 0 || iso9660SectorSize%blockLen != 0 {
		// Block size does not evenly divide an ISO9660 sector; this
		// device cannot present the 2048-byte view, so it is not a
		// CD-ROM regardless of what LBA 16 contains.
		return false, nil
	}
	ratio := iso9660SectorSize / blockLen
	lba := uint64(iso9660PVDLBA) * uint64(ratio)

	buf := make([]byte, iso9660SectorSize)
	done := make(chan error, 1)
	readBlocks(lba, ratio, buf, func(err error) { done <- err })

	for i := 0; i < maxSteps; i++ {
		select {
		case err := <-done:
			if err != nil {
				return false, err
			}
			return len(buf) >= 6 && bytes.Equal(buf[1:6], iso9660Identifier), nil
		default:
		}
		poll()
	}
	return false, nil
}
