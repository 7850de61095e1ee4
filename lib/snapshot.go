package tardis

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

var backupDirPattern = regexp.MustCompile(`^backup\.(\d+)$`)

// AdmitResult reports what Admit had to do to free up the requested space.
type AdmitResult struct {
	Deleted      []int
	RotateNeeded bool
}

// Admit reserves space for the next rsync into backup.0. It never renames
// or duplicates any backup.* directory; that is
// Rotate's job, run only after Admit reports success. Metadata deletions
// made during the reclaim loop are persisted via meta.Save even if Admit
// ultimately fails, since the freed space is real regardless of outcome.
func Admit(mountpoint string, reqBytes, reqInodes int64, meta *Meta, cfg *Config) (*AdmitResult, error) {
	bufferedBytes, err := configBytes(cfg, "server", "bytebuffer")
	if err != nil {
		return nil, err
	}
	bufferedInodes, err := configInt(cfg, "server", "inodebuffer")
	if err != nil {
		return nil, err
	}
	forceSnaps, err := configInt(cfg, "server", "forcesnaps")
	if err != nil {
		return nil, err
	}

	reqBytes += bufferedBytes
	reqInodes += bufferedInodes

	stats, err := Probe(mountpoint)
	if err != nil {
		return nil, err
	}

	inodeConstrained := stats.FreeInodes >= 0

	if reqBytes >= stats.TotalBytes || (inodeConstrained && reqInodes >= stats.TotalInodes) {
		return nil, spaceExhaustionf("request of %s bytes / %d inodes could never fit on a %s filesystem",
			FormatSize(reqBytes), reqInodes, FormatSize(stats.TotalBytes))
	}

	if inodeConstrained {
		reqInodes += estimateDuplicationInodes(mountpoint)
	}

	fits := func(s Stats) bool {
		if s.FreeBytes < reqBytes {
			return false
		}
		if inodeConstrained && s.FreeInodes <= reqInodes {
			return false
		}
		return true
	}

	result := &AdmitResult{}

	if fits(stats) {
		result.RotateNeeded = dirExists(filepath.Join(mountpoint, "backup.0"))
		return result, nil
	}

	candidates, err := oldestFirstIndices(mountpoint)
	if err != nil {
		return nil, err
	}

	if len(candidates) <= int(forceSnaps) {
		return nil, spaceExhaustionf("not enough snapshots present: %d on disk, forcesnaps=%d floor leaves nothing to reclaim", len(candidates), forceSnaps)
	}
	reclaimable := candidates[:len(candidates)-int(forceSnaps)]

	for _, idx := range reclaimable {
		if int64(idx) < forceSnaps {
			break
		}

		dir := filepath.Join(mountpoint, snapshotDirName(idx))
		if err := os.RemoveAll(dir); err != nil {
			return result, metaIOErrorf(err, "reclaim %q", dir)
		}
		meta.DeleteSnapshot(idx)
		if err := meta.Save(); err != nil {
			return result, err
		}
		result.Deleted = append(result.Deleted, idx)

		stats, err = Probe(mountpoint)
		if err != nil {
			return result, err
		}

		zlog.Info("reclaimed snapshot for space",
			zap.String("mountpoint", mountpoint),
			zap.Int("index", idx),
			zap.String("free_after", humanize.Bytes(uint64(stats.FreeBytes))),
		)

		if fits(stats) {
			break
		}
	}

	if !fits(stats) {
		return result, spaceExhaustionf("unable to release enough space: need %s bytes / %d inodes, have %s free after reclaiming %d snapshot(s)",
			FormatSize(reqBytes), reqInodes, FormatSize(stats.FreeBytes), len(result.Deleted))
	}

	result.RotateNeeded = dirExists(filepath.Join(mountpoint, "backup.0"))
	return result, nil
}

// Rotate shifts backup.1..backup.H up to backup.2..backup.(H+1) and
// produces a fresh backup.1 as a hard-link duplicate of backup.0, which
// stays in place. It
// must only be called after a successful Admit.
func Rotate(mountpoint string, meta *Meta, linkThreads int) error {
	indices, err := existingIndices(mountpoint)
	if err != nil {
		return err
	}
	if len(indices) < 2 {
		return nil
	}

	highest := indices[len(indices)-1]
	if highest == 0 {
		return metaIOErrorf(nil, "snapshot ring broken: %d directories present but highest suffix is 0", len(indices))
	}

	for i := highest; i >= 1; i-- {
		from := filepath.Join(mountpoint, snapshotDirName(i))
		to := filepath.Join(mountpoint, snapshotDirName(i+1))
		if !dirExists(from) {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return metaIOErrorf(err, "rotate %q to %q", from, to)
		}
		meta.CopySnapshotTimestamp(i, i+1)
		if err := meta.Save(); err != nil {
			return err
		}
	}

	zero := filepath.Join(mountpoint, snapshotDirName(0))
	if dirExists(zero) {
		one := filepath.Join(mountpoint, snapshotDirName(1))
		if err := DuplicateTree(zero, one, linkThreads); err != nil {
			return err
		}
		meta.CopySnapshotTimestamp(0, 1)
		if err := meta.Save(); err != nil {
			return err
		}
	}

	return nil
}

// Stamp records the completion timestamp of backup.0. Calling it before
// an admit/rotate has happened is harmless: it just writes a timestamp
// for a directory that doesn't exist yet.
func Stamp(meta *Meta, timestamp int64) error {
	meta.SetSnapshotTimestamp(0, timestamp)
	return meta.Save()
}

// oldestFirstIndices returns the existing backup.* indices, oldest (highest
// suffix) first.
func oldestFirstIndices(mountpoint string) ([]int, error) {
	indices, err := existingIndices(mountpoint)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))
	return indices, nil
}

func existingIndices(mountpoint string) ([]int, error) {
	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		return nil, metaIOErrorf(err, "read mountpoint %q", mountpoint)
	}

	var indices []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := backupDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

func snapshotDirName(index int) string {
	return fmt.Sprintf("%s%d", snapshotPrefix, index)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// estimateDuplicationInodes approximates the inode cost of hard-link
// duplicating backup.0 into backup.1: one new directory entry per file and
// directory currently under backup.0. This is a conservative estimate, not
// an exact count, since the real count depends on how many regular files
// versus directories/symlinks exist.
func estimateDuplicationInodes(mountpoint string) int64 {
	zero := filepath.Join(mountpoint, snapshotDirName(0))
	if !dirExists(zero) {
		return 0
	}

	var count int64
	filepath.Walk(zero, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		count++
		return nil
	})
	return count
}

func configInt(cfg *Config, section, key string) (int64, error) {
	v, ok := cfg.Get(section, key)
	if !ok {
		return 0, configErrorf(nil, "missing required %s.%s", section, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, configErrorf(err, "invalid %s.%s value %q", section, key, v)
	}
	return n, nil
}

func configBytes(cfg *Config, section, key string) (int64, error) {
	v, ok := cfg.Get(section, key)
	if !ok {
		return 0, configErrorf(nil, "missing required %s.%s", section, key)
	}
	n, err := ParseSize(v)
	if err != nil {
		return 0, configErrorf(err, "invalid %s.%s value %q", section, key, v)
	}
	return n, nil
}
