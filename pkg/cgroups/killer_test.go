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
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	mock_unixwrapper "github.com/windlass-sched/windlass/pkg/unixwrapper/mocks"
)

func TestKillTasksChain(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	freezerCgroup(t, hierarchy)
	io := newScriptedIO()
	// freeze: THAWED then FROZEN; thaw: FROZEN then THAWED.
	io.queue(freezerStateControl, "THAWED\n", "FROZEN\n", "FROZEN\n", "THAWED\n")
	// One task at kill time, gone by the drain.
	io.queue(tasksControl, "123\n", "")
	c.io = io

	mockUnix.EXPECT().Kill(123, unix.SIGKILL).Return(nil)

	require.NoError(t, c.killTasks(context.Background(), hierarchy, "x", 0))
	assert.Equal(t, []string{"FROZEN", "THAWED"}, io.written(freezerStateControl))
}

func TestKillTasksRestartsChain(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	freezerCgroup(t, hierarchy)
	io := newScriptedIO()

	// First pass: the drain never observes an empty task set, so the whole
	// chain restarts; the second pass drains immediately.
	io.queue(freezerStateControl,
		"THAWED\n", "FROZEN\n", "FROZEN\n", "THAWED\n", // pass 1
		"THAWED\n", "FROZEN\n", "FROZEN\n", "THAWED\n") // pass 2
	reads := []string{"123\n"} // pass 1 kill
	for i := 0; i <= emptyWatcherRetries; i++ {
		reads = append(reads, "123\n") // pass 1 drain attempts
	}
	reads = append(reads, "123\n", "") // pass 2 kill, pass 2 drain
	io.queue(tasksControl, reads...)
	c.io = io

	mockUnix.EXPECT().Kill(123, unix.SIGKILL).Return(nil).Times(2)

	require.NoError(t, c.killTasks(context.Background(), hierarchy, "x", 0))
}

func TestKillTasksPropagatesKillError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	freezerCgroup(t, hierarchy)
	io := newScriptedIO()
	io.queue(freezerStateControl, "THAWED\n", "FROZEN\n")
	io.queue(tasksControl, "123\n")
	c.io = io

	mockUnix.EXPECT().Kill(123, unix.SIGKILL).Return(unix.EPERM)

	err := c.killTasks(context.Background(), hierarchy, "x", 0)
	assert.Error(t, err)
}
