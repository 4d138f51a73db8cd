//go:build linux

package mailproc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessName sets the kernel thread name shown by ps and top. Linux
// truncates it to 15 bytes.
func SetProcessName(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	ptr, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(ptr)), 0, 0, 0)
}
