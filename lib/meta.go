package tardis

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var snapshotKeyPattern = regexp.MustCompile(`^backup\.(\d+)$`)

// Meta wraps the ".tardis_meta" file for one mounted image: an instance
// of the Config INI format with two sections, "image" and "snapshots".
type Meta struct {
	cfg  *Config
	path string
}

// LoadOrCreateMeta loads "<mountpoint>/.tardis_meta", or creates it with
// image.size = declaredSize if absent.
func LoadOrCreateMeta(mountpoint string, declaredSize int64) (*Meta, bool, error) {
	path := filepath.Join(mountpoint, metaFileName)

	if _, err := os.Stat(path); err == nil {
		cfg, err := loadMetaPermissive(path)
		if err != nil {
			return nil, false, metaIOErrorf(err, "load metadata %q", path)
		}
		return &Meta{cfg: cfg, path: path}, false, nil
	} else if !os.IsNotExist(err) {
		return nil, false, metaIOErrorf(err, "stat metadata %q", path)
	}

	cfg := NewConfig()
	cfg.Set(sectionImage, keyImageSize, strconv.FormatInt(declaredSize, 10))
	m := &Meta{cfg: cfg, path: path}
	if err := m.Save(); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// loadMetaPermissive loads the metadata INI without the strict-mode check
// LoadConfig applies to the (secret-carrying) top-level config file; the
// metadata file lives inside the image and isn't a credentials store.
func loadMetaPermissive(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseConfig(f)
}

// Save writes the metadata file atomically.
func (m *Meta) Save() error {
	return m.cfg.SaveAs(m.path)
}

// DeclaredSize returns the recorded image.size value.
func (m *Meta) DeclaredSize() (int64, error) {
	v, ok := m.cfg.Get(sectionImage, keyImageSize)
	if !ok {
		return 0, metaIOErrorf(nil, "metadata missing image.size")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, metaIOErrorf(err, "invalid image.size %q", v)
	}
	return n, nil
}

// SetDeclaredSize overwrites image.size.
func (m *Meta) SetDeclaredSize(size int64) {
	m.cfg.Set(sectionImage, keyImageSize, strconv.FormatInt(size, 10))
}

// SnapshotIndices returns the set of snapshot indices recorded in
// metadata, sorted ascending (0 = newest).
func (m *Meta) SnapshotIndices() []int {
	var indices []int
	for _, key := range m.cfg.Keys(sectionSnapshots) {
		if match := snapshotKeyPattern.FindStringSubmatch(key); match != nil {
			n, err := strconv.Atoi(match[1])
			if err == nil {
				indices = append(indices, n)
			}
		}
	}
	sort.Ints(indices)
	return indices
}

// SnapshotTimestamp returns the recorded completion timestamp for
// backup.<index>, and whether it was present.
func (m *Meta) SnapshotTimestamp(index int) (int64, bool) {
	v, ok := m.cfg.Get(sectionSnapshots, snapshotKey(index))
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetSnapshotTimestamp records the completion timestamp for backup.<index>.
func (m *Meta) SetSnapshotTimestamp(index int, ts int64) {
	m.cfg.Set(sectionSnapshots, snapshotKey(index), strconv.FormatInt(ts, 10))
}

// CopySnapshotTimestamp copies snapshots.backup.<from> to
// snapshots.backup.<to>, used by Rotate.
func (m *Meta) CopySnapshotTimestamp(from, to int) {
	if v, ok := m.cfg.Get(sectionSnapshots, snapshotKey(from)); ok {
		m.cfg.Set(sectionSnapshots, snapshotKey(to), v)
	}
}

// DeleteSnapshot removes snapshots.backup.<index>.
func (m *Meta) DeleteSnapshot(index int) {
	m.cfg.Delete(sectionSnapshots, snapshotKey(index))
}

func snapshotKey(index int) string {
	return fmt.Sprintf("backup.%d", index)
}

// reconcileMeta drops any snapshots.backup.K entry whose directory is
// missing from mountpoint. It never adds entries for directories lacking
// metadata: on-disk truth wins, and a directory with no metadata is just
// a directory the next Admit/Rotate cycle will treat as untracked, not
// something this pass should paper over by inventing a timestamp. Cheap
// enough to run on every mount: one ReadDir.
func (m *Meta) reconcileMeta(mountpoint string) (bool, error) {
	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		return false, metaIOErrorf(err, "read mountpoint %q for metadata reconciliation", mountpoint)
	}

	present := make(map[int]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if match := snapshotKeyPattern.FindStringSubmatch(e.Name()); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				present[n] = true
			}
		}
	}

	changed := false
	for _, idx := range m.SnapshotIndices() {
		if !present[idx] {
			m.DeleteSnapshot(idx)
			changed = true
		}
	}
	if changed {
		if err := m.Save(); err != nil {
			return false, err
		}
	}
	return changed, nil
}
