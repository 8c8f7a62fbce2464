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

import "github.com/netboot-go/ipxecore/pkg/timer"

// CommandTimeout is SAN_COMMAND_TIMEOUT (spec.md §4.15): every command
// issued against a SAN device runs under this bound, in ticks; on
// expiry the in-flight command is abandoned and the backing transport
// is re-opened (original_source/src/core/sanboot.c confirms the
// 15-second default).
const CommandTimeout timer.Tick = 15 * timer.TicksPerSec

// DefaultDriveNumber is the BIOS drive number a SAN device is assigned
// absent a `san-drive` setting override (spec.md §4.15: "Drive numbers
// default to 0x80 (first hard disk)").
const DefaultDriveNumber uint8 = 0x80
