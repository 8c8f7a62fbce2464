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

package srp

import "encoding/binary"

// buildCDBReadCapacity16 builds a READ CAPACITY (16) CDB (SBC-3 §5.16).
func buildCDBReadCapacity16() [16]byte {
	var cdb [16]byte
	cdb[0] = 0x9E
	cdb[1] = 0x10
	binary.BigEndian.PutUint32(cdb[10:14], 32)
	return cdb
}

// buildCDBRead16 builds a READ (16) CDB (SBC-3 §5.11).
func buildCDBRead16(lba uint64, count uint32) [16]byte {
	var cdb [16]byte
	cdb[0] = 0x88
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], count)
	return cdb
}
