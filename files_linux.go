//go:build linux

package bus1

import (
	"os"

	"golang.org/x/sys/unix"
)

// File-descriptor plumbing for the receive path. The receiver pre-allocates
// fd slots before taking the peer lock, so a dequeue never fails halfway
// through for lack of descriptors; installation then atomically replaces
// each placeholder with a duplicate of the transferred file.

// dupFiles duplicates the sender's files so the message owns descriptors
// independent of the sender's lifetime.
func dupFiles(files []*os.File) ([]*os.File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	dups := make([]*os.File, 0, len(files))
	for _, f := range files {
		fd, err := unix.Dup(int(f.Fd()))
		if err != nil {
			for _, d := range dups {
				d.Close()
			}
			return nil, err
		}
		unix.CloseOnExec(fd)
		dups = append(dups, os.NewFile(uintptr(fd), f.Name()))
	}
	return dups, nil
}

// reserveFDs grows the slot list to n placeholder descriptors.
func reserveFDs(slots []int, n int) ([]int, error) {
	for len(slots) < n {
		fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return slots, err
		}
		slots = append(slots, fd)
	}
	return slots, nil
}

// installFD replaces the placeholder slot with a duplicate of f. The slot
// number stays stable, which is what was promised to the message slice.
func installFD(slot int, f *os.File) error {
	err := unix.Dup3(int(f.Fd()), slot, unix.O_CLOEXEC)
	return err
}

// releaseFDs closes unused placeholder slots.
func releaseFDs(slots []int) {
	for _, fd := range slots {
		unix.Close(fd)
	}
}
