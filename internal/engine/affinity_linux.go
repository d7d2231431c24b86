//go:build linux
// +build linux

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinWorker binds the worker goroutine's OS thread to a CPU core chosen
// round-robin from the worker id. Best effort: failures are silent and the
// run proceeds without affinity. The thread stays locked for the worker's
// lifetime, so no Unlock is paired with the LockOSThread.
func pinWorker(id int) {
	runtime.LockOSThread()

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(id % runtime.NumCPU())

	tid := unix.Gettid()
	_ = unix.SchedSetaffinity(tid, &cpuSet)
}
