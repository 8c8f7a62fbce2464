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

import (
	"bytes"
	"encoding/binary"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// El Torito layout constants: the Boot Record Volume Descriptor sits
// at sector 17, names the boot catalog, whose validation entry is
// followed by the default (initial) boot entry.
const (
	elToritoBRVDSector = 17
	elToritoBootable   = 0x88
	virtualSectorSize  = 512 // El Torito counts load sectors in 512-byte units
)

var elToritoIdentifier = []byte("EL TORITO SPECIFICATION")

// readSync reads count caller-unit blocks at lba, spinning poll until
// the asynchronous command completes.
func readSync(d *Device, lba uint64, count uint32, maxSteps int, poll func()) ([]byte, error) {
	buf := make([]byte, uint64(count)*uint64(d.Capacity().BlockSize))
	done := make(chan error, 1)
	d.Read(lba, count, buf, func(err error) { done <- err })
	for i := 0; i < maxSteps; i++ {
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
			return buf, nil
		default:
		}
		poll()
	}
	return nil, errno.New(errno.TimedOut, "san: read deadline exceeded")
}

// ReadBootImage locates the El Torito default boot entry on a
// CD-ROM-flagged device and reads the boot image it names. Returns
// NoSuchEntity when the disc carries no boot record, Protocol when the
// catalog is malformed or the default entry is not bootable.
func ReadBootImage(d *Device, maxSteps int, poll func()) ([]byte, error) {
	if !d.CDROM {
		return nil, errno.New(errno.NotSupported, "san: device is not a CD-ROM")
	}

	brvd, err := readSync(d, elToritoBRVDSector, 1, maxSteps, poll)
	if err != nil {
		return nil, err
	}
	if brvd[0] != 0 || !bytes.Equal(brvd[1:6], iso9660Identifier) {
		return nil, errno.New(errno.NoSuchEntity, "san: no boot record volume descriptor")
	}
	if !bytes.Equal(brvd[7:7+len(elToritoIdentifier)], elToritoIdentifier) {
		return nil, errno.New(errno.NoSuchEntity, "san: disc is not El Torito bootable")
	}
	catalogLBA := binary.LittleEndian.Uint32(brvd[0x47:0x4B])

	catalog, err := readSync(d, uint64(catalogLBA), 1, maxSteps, poll)
	if err != nil {
		return nil, err
	}
	// Validation entry: header ID 1, key bytes 55 AA.
	if catalog[0] != 0x01 || catalog[0x1E] != 0x55 || catalog[0x1F] != 0xAA {
		return nil, errno.New(errno.Protocol, "san: bad boot catalog validation entry")
	}
	entry := catalog[32:64]
	if entry[0] != elToritoBootable {
		return nil, errno.New(errno.Protocol, "san: default catalog entry is not bootable")
	}
	sectorCount := binary.LittleEndian.Uint16(entry[6:8])
	loadRBA := binary.LittleEndian.Uint32(entry[8:12])
	if sectorCount == 0 {
		sectorCount = 1
	}

	length := uint64(sectorCount) * virtualSectorSize
	blocks := uint32((length + iso9660SectorSize - 1) / iso9660SectorSize)
	img, err := readSync(d, uint64(loadRBA), blocks, maxSteps, poll)
	if err != nil {
		return nil, err
	}
	return img[:length], nil
}
