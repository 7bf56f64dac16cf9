// Copyright The Windlass Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package unixwrapper wraps the raw system calls the agent issues so they can
// be mocked in tests.
package unixwrapper

import (
	"golang.org/x/sys/unix"
)

// Unix is the system call surface used by the cgroups layer.
type Unix interface {
	Mount(source string, target string, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	Rmdir(path string) error
	Kill(pid int, sig unix.Signal) error
	Eventfd(initval uint, flags int) (int, error)
}

type unixOS struct{}

// NewUnix returns the production implementation.
func NewUnix() Unix {
	return &unixOS{}
}

func (*unixOS) Mount(source string, target string, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (*unixOS) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (*unixOS) Rmdir(path string) error {
	return unix.Rmdir(path)
}

func (*unixOS) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Eventfd creates an event file descriptor with close-on-exec and nonblocking
// set. Older kernels lack eventfd2, so on ENOSYS it falls back to plain
// eventfd and applies the flags with fcntl.
func (*unixOS) Eventfd(initval uint, flags int) (int, error) {
	fd, err := unix.Eventfd(initval, flags)
	if err != unix.ENOSYS {
		return fd, err
	}

	r1, _, errno := unix.Syscall(unix.SYS_EVENTFD, uintptr(initval), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	fd = int(r1)

	if flags&unix.EFD_CLOEXEC != 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if flags&unix.EFD_NONBLOCK != 0 {
		fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl|unix.O_NONBLOCK); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}
