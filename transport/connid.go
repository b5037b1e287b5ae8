// Copyright 2026 The relaymesh Authors
// This file is part of relaymesh.
//
// relaymesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// relaymesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with relaymesh. If not, see <http://www.gnu.org/licenses/>.

package transport

import "sync/atomic"

// ConnID is a monotone, process-wide, never-reused identifier assigned
// to every Channel for logging and tracing (spec.md 3).
type ConnID uint64

var connIDCounter uint64

// nextConnID hands out the next ConnID. Starts at 1 so the zero value
// of ConnID reads as "unassigned" in logs and tests.
func nextConnID() ConnID {
	return ConnID(atomic.AddUint64(&connIDCounter, 1))
}
