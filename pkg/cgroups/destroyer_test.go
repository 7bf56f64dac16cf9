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
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	mock_unixwrapper "github.com/windlass-sched/windlass/pkg/unixwrapper/mocks"
)

// destroyTree creates the given cgroups with freezer controls and scripts
// every one of them through an empty kill chain. Full paths key the reads
// because the kill chains run concurrently.
func destroyTree(t *testing.T, hierarchy string, io *scriptedIO, cgroups ...string) {
	t.Helper()
	for _, cg := range cgroups {
		mkCgroup(t, hierarchy, cg, map[string]string{
			freezerStateControl: "THAWED\n",
			tasksControl:        "",
		})
		io.queueAt(filepath.Join(hierarchy, cg, freezerStateControl),
			"THAWED\n", "FROZEN\n", "FROZEN\n", "THAWED\n")
		io.queueAt(filepath.Join(hierarchy, cg, tasksControl), "")
	}
}

func TestDestroyRemovesLeavesFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	io := newScriptedIO()
	destroyTree(t, hierarchy, io, "x", "x/a", "x/a/a1", "x/b")
	c.io = io

	gomock.InOrder(
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x/a/a1")).Return(nil),
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x/a")).Return(nil),
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x/b")).Return(nil),
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x")).Return(nil),
	)

	require.NoError(t, c.Destroy(context.Background(), hierarchy, "x", 0))
}

func TestDestroyAbortsOnRmdirFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	io := newScriptedIO()
	destroyTree(t, hierarchy, io, "x", "x/a", "x/a/a1")
	c.io = io

	gomock.InOrder(
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x/a/a1")).Return(nil),
		mockUnix.EXPECT().Rmdir(filepath.Join(hierarchy, "x/a")).Return(unix.EBUSY),
	)

	assert.Error(t, c.Destroy(context.Background(), hierarchy, "x", 0))
}

func TestDestroyCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockUnix := mock_unixwrapper.NewMockUnix(ctrl)

	c, hierarchy, _ := newTestCgroups(t, "freezer", mockUnix)
	io := newScriptedIO()
	destroyTree(t, hierarchy, io, "x")
	c.io = io

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Destroy(ctx, hierarchy, "x", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDestroyNegativeInterval(t *testing.T) {
	c, hierarchy, _ := newTestCgroups(t, "freezer", nil)
	assert.Error(t, c.Destroy(context.Background(), hierarchy, "x", -1))
}

func TestDestroyRequiresFreezer(t *testing.T) {
	c, hierarchy, _ := newTestCgroups(t, "freezer", nil)
	mkCgroup(t, hierarchy, "x", map[string]string{tasksControl: ""})

	err := c.Destroy(context.Background(), hierarchy, "x", 0)
	assert.Error(t, err)
}
