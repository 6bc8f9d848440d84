//go:build !windows

package extcmd

import "syscall"

// mkfifo creates the command pipe group-writable so local tooling can
// submit commands.
func mkfifo(path string) error {
	return syscall.Mkfifo(path, 0o660)
}

// wakePipe opens the write side non-blocking and closes it again,
// releasing a reader blocked in open. Fails with ENXIO when nothing is
// reading yet.
func wakePipe(path string) error {
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	return syscall.Close(fd)
}
