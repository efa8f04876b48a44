//go:build linux

package capability

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostPlatform identifies the host via uname when the bridge does not
// report a platform string.
func hostPlatform() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "linux"
	}
	sysname := unix.ByteSliceToString(uts.Sysname[:])
	release := unix.ByteSliceToString(uts.Release[:])
	machine := unix.ByteSliceToString(uts.Machine[:])
	return fmt.Sprintf("%s %s (%s)", sysname, release, machine)
}
