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

// Package backup stores VM backups as exported appliances with a JSON
// sidecar describing them. The sidecar is the source of truth for listing;
// it is written atomically (temp file + rename) so a crash mid-write never
// leaves a half-readable backup visible.
package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// infoFile is the sidecar name inside each backup directory.
const infoFile = "backup_info.json"

// Info describes one backup.
type Info struct {
	ID            string    `json:"id"`
	VMName        string    `json:"vm_name"`
	CreatedAt     time.Time `json:"created_at"`
	AppliancePath string    `json:"appliance_path"`
	SizeBytes     int64     `json:"size_bytes"`
	Description   string    `json:"description,omitempty"`
	VBoxVersion   string    `json:"vbox_version,omitempty"`
}

// Store manages the backup directory tree: one subdirectory per backup,
// holding the appliance file and its sidecar.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, contracts.New(contracts.ErrConfig, "backup_dir is not configured")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to create backup directory %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the backup root directory.
func (s *Store) Root() string { return s.root }

// Prepare allocates a directory for a new backup and returns the pending
// Info with the appliance path filled in. Nothing is visible to List until
// Commit writes the sidecar.
func (s *Store) Prepare(vmName, description string) (*Info, error) {
	info := &Info{
		ID:          uuid.NewString(),
		VMName:      vmName,
		CreatedAt:   time.Now().UTC(),
		Description: description,
	}

	dir := s.dir(info.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to create backup directory")
	}
	info.AppliancePath = filepath.Join(dir, vmName+".ova")
	return info, nil
}

// Commit stats the appliance and writes the sidecar atomically, making the
// backup visible.
func (s *Store) Commit(info *Info) error {
	st, err := os.Stat(info.AppliancePath)
	if err != nil {
		return contracts.Wrap(contracts.ErrHostError, err, "backup appliance missing after export")
	}
	info.SizeBytes = st.Size()
	return s.writeInfo(info)
}

// Abort removes a prepared backup directory after a failed export.
func (s *Store) Abort(info *Info) {
	_ = os.RemoveAll(s.dir(info.ID))
}

func (s *Store) writeInfo(info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return contracts.Wrap(contracts.ErrInternal, err, "failed to encode backup metadata")
	}

	dir := s.dir(info.ID)
	tmp, err := os.CreateTemp(dir, infoFile+".tmp-*")
	if err != nil {
		return contracts.Wrap(contracts.ErrHostError, err, "failed to create backup metadata temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return contracts.Wrap(contracts.ErrHostError, err, "failed to write backup metadata")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return contracts.Wrap(contracts.ErrHostError, err, "failed to sync backup metadata")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return contracts.Wrap(contracts.ErrHostError, err, "failed to close backup metadata")
	}

	if err := os.Rename(tmpName, filepath.Join(dir, infoFile)); err != nil {
		os.Remove(tmpName)
		return contracts.Wrap(contracts.ErrHostError, err, "failed to publish backup metadata")
	}
	return nil
}

// Get reads one backup's sidecar.
func (s *Store) Get(id string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), infoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contracts.New(contracts.ErrNotFound, "backup %s not found", id)
		}
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to read backup metadata")
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, contracts.Wrap(contracts.ErrUnparseable, err, "backup metadata for %s is corrupt", id)
	}
	return &info, nil
}

// List returns all committed backups, newest first. Directories without a
// sidecar (crashed exports) are skipped.
func (s *Store) List() ([]*Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to read backup directory")
	}

	var infos []*Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// ListForVM returns committed backups for one VM, newest first.
func (s *Store) ListForVM(vmName string) ([]*Info, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Info
	for _, info := range all {
		if info.VMName == vmName {
			out = append(out, info)
		}
	}
	return out, nil
}

// Delete removes a backup and its directory.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return contracts.Wrap(contracts.ErrHostError, err, "failed to delete backup %s", id)
	}
	return nil
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, id)
}
