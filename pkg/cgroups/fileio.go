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

package cgroups

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fileIO abstracts control file access so state machine tests can script
// freezer transitions without a real kernel.
type fileIO interface {
	read(path string) (string, error)
	write(path string, value string) error
}

type osFileIO struct{}

// read slurps the whole file in one stream. Cgroup pseudo-files do not
// support lseek, so the content must be consumed from a single open.
func (*osFileIO) read(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "cgroups: failed to open %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Wrapf(err, "cgroups: failed to read %s", path)
	}
	return string(data), nil
}

// write appends a single newline-terminated value, retrying on EINTR.
func (*osFileIO) write(path string, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "cgroups: failed to open %s for writing", path)
	}
	defer f.Close()

	data := []byte(value + "\n")
	for {
		_, err = f.Write(data)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return errors.Wrapf(err, "cgroups: failed to write %q to %s", value, path)
	}
	return nil
}
