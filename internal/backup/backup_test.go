/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	return s
}

// commitFake plays the export step: write an appliance file, then commit.
func commitFake(t *testing.T, s *Store, vm, desc, content string) *Info {
	t.Helper()
	info, err := s.Prepare(vm, desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(info.AppliancePath, []byte(content), 0o640))
	require.NoError(t, s.Commit(info))
	return info
}

func TestPrepareCommitGet(t *testing.T) {
	s := newStore(t)

	info := commitFake(t, s, "web-01", "pre-upgrade", "ova-bytes")
	assert.Equal(t, int64(len("ova-bytes")), info.SizeBytes)

	got, err := s.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.VMName)
	assert.Equal(t, "pre-upgrade", got.Description)
	assert.Equal(t, info.AppliancePath, got.AppliancePath)
	assert.Equal(t, info.SizeBytes, got.SizeBytes)
}

func TestUncommittedBackupIsInvisible(t *testing.T) {
	s := newStore(t)

	info, err := s.Prepare("web-01", "")
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Get(info.ID)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestCommitWithoutApplianceFails(t *testing.T) {
	s := newStore(t)

	info, err := s.Prepare("web-01", "")
	require.NoError(t, err)

	err = s.Commit(info)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrHostError))
}

func TestAbortRemovesDirectory(t *testing.T) {
	s := newStore(t)

	info, err := s.Prepare("web-01", "")
	require.NoError(t, err)
	s.Abort(info)

	_, err = os.Stat(filepath.Dir(info.AppliancePath))
	assert.True(t, os.IsNotExist(err))
}

func TestListNewestFirstAndPerVM(t *testing.T) {
	s := newStore(t)

	a := commitFake(t, s, "web-01", "", "a")
	b := commitFake(t, s, "db-01", "", "b")
	c := commitFake(t, s, "web-01", "", "c")
	// Force distinct ordering regardless of clock resolution.
	bumpCreatedAt(t, s, b, 1)
	bumpCreatedAt(t, s, c, 2)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
	assert.Equal(t, a.ID, all[2].ID)

	web, err := s.ListForVM("web-01")
	require.NoError(t, err)
	require.Len(t, web, 2)
	assert.Equal(t, c.ID, web[0].ID)
	assert.Equal(t, a.ID, web[1].ID)
}

func bumpCreatedAt(t *testing.T, s *Store, info *Info, seconds int) {
	t.Helper()
	got, err := s.Get(info.ID)
	require.NoError(t, err)
	got.CreatedAt = got.CreatedAt.Add(time.Duration(seconds) * time.Second)
	require.NoError(t, s.writeInfo(got))
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	info := commitFake(t, s, "web-01", "", "x")
	require.NoError(t, s.Delete(info.ID))

	_, err := s.Get(info.ID)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))

	err = s.Delete(info.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestCorruptSidecar(t *testing.T) {
	s := newStore(t)

	info := commitFake(t, s, "web-01", "", "x")
	sidecar := filepath.Join(filepath.Dir(info.AppliancePath), "backup_info.json")
	require.NoError(t, os.WriteFile(sidecar, []byte("{not json"), 0o640))

	_, err := s.Get(info.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrUnparseable))

	// Corrupt entries are skipped by List, not fatal.
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newStore(t)
	info := commitFake(t, s, "web-01", "", "x")

	entries, err := os.ReadDir(filepath.Dir(info.AppliancePath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
