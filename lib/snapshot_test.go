package tardis

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseServerConfig() *Config {
	cfg := NewConfig()
	cfg.Set("server", "bytebuffer", "1M")
	cfg.Set("server", "inodebuffer", "0")
	cfg.Set("server", "forcesnaps", "7")
	return cfg
}

func newTreeMeta(t *testing.T, mountpoint string) *Meta {
	t.Helper()
	meta, _, err := LoadOrCreateMeta(mountpoint, 1<<30)
	require.NoError(t, err)
	return meta
}

func TestAdmit_FirstEverMount_NoDeletionNoRotation(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)
	cfg := baseServerConfig()

	result, err := Admit(mountpoint, 1024, 10, meta, cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.False(t, result.RotateNeeded, "no backup.0 exists yet, nothing to rotate")
}

func TestAdmit_ImpossibleRequest_FailsWithoutDeletion(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)
	cfg := baseServerConfig()

	stats, err := Probe(mountpoint)
	require.NoError(t, err)

	_, err = Admit(mountpoint, stats.TotalBytes*2, 0, meta, cfg)
	require.Error(t, err)

	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindSpaceExhaustion, terr.Kind)
}

func TestAdmit_NotEnoughSnapshotsToReclaim_Fails(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)
	cfg := baseServerConfig()
	cfg.Set("server", "forcesnaps", "7")

	// Only 3 backup dirs exist, all below the forcesnaps=7 floor: the
	// reclaim loop has nothing it's allowed to touch.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, snapshotDirName(i)), 0755))
		meta.SetSnapshotTimestamp(i, int64(1000+i))
	}
	require.NoError(t, meta.Save())

	stats, err := Probe(mountpoint)
	require.NoError(t, err)

	// Demand more than is currently free, but less than total, so we hit
	// the reclaim path rather than the "could never fit" sanity check.
	_, err = Admit(mountpoint, stats.FreeBytes+stats.UsedBytes/2, 0, meta, cfg)
	require.Error(t, err)

	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindSpaceExhaustion, terr.Kind)
}

func TestRotate_SkipsWhenFewerThanTwoDirs(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)

	require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, "backup.0"), 0755))

	require.NoError(t, Rotate(mountpoint, meta, 2))

	_, err := os.Stat(filepath.Join(mountpoint, "backup.1"))
	assert.True(t, os.IsNotExist(err), "rotate must not fabricate backup.1 from a single directory")
}

func TestRotate_ShiftsRingAndDuplicatesZero(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)

	for i := 0; i <= 2; i++ {
		dir := filepath.Join(mountpoint, snapshotDirName(i))
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("v"+strconv.Itoa(i)), 0644))
		meta.SetSnapshotTimestamp(i, int64(1000+i))
	}
	require.NoError(t, meta.Save())

	require.NoError(t, Rotate(mountpoint, meta, 2))

	// backup.2 -> backup.3, backup.1 -> backup.2, backup.0 stays, backup.1
	// is recreated as a duplicate of backup.0.
	for _, name := range []string{"backup.0", "backup.1", "backup.2", "backup.3"} {
		info, err := os.Stat(filepath.Join(mountpoint, name))
		require.NoError(t, err, name)
		assert.True(t, info.IsDir(), name)
	}

	content, err := os.ReadFile(filepath.Join(mountpoint, "backup.1", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v0", string(content), "backup.1 must be a duplicate of backup.0's content")

	content, err = os.ReadFile(filepath.Join(mountpoint, "backup.3", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content), "backup.3 must hold what was backup.2's content")

	ts, ok := meta.SnapshotTimestamp(3)
	require.True(t, ok)
	assert.Equal(t, int64(1002), ts)

	ts, ok = meta.SnapshotTimestamp(1)
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts, "backup.1 inherits backup.0's stamp after duplication")
}

func TestRotate_BrokenRing_HighestSuffixZero(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)

	// Two directories both literally named backup.0 is impossible on a
	// real filesystem; simulate the broken-ring case with backup.0 plus a
	// zero-padded backup.00.
	require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, "backup.0"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, "backup.00"), 0755))

	// "backup.00" parses to index 0 too, so existingIndices sees two dirs
	// both mapping to suffix 0 -- the broken-ring case Rotate must refuse
	// rather than silently pick one.
	err := Rotate(mountpoint, meta, 2)
	require.Error(t, err)
	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindMetaIO, terr.Kind)
}

func TestStamp_RecordsBackupZeroTimestamp(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)

	require.NoError(t, Stamp(meta, 1700000000))

	ts, ok := meta.SnapshotTimestamp(0)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)
}

func TestStamp_BeforeAdmit_IsHarmless(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)

	// Illegal transition per the state machine: stamping before any admit
	// has ever happened must not error, only update the timestamp.
	require.NoError(t, Stamp(meta, 42))

	ts, ok := meta.SnapshotTimestamp(0)
	require.True(t, ok)
	assert.Equal(t, int64(42), ts)
}

func TestAdmit_SucceedsWithoutDeletionWhenSpaceAlreadyFree(t *testing.T) {
	mountpoint := t.TempDir()
	meta := newTreeMeta(t, mountpoint)
	cfg := baseServerConfig()

	require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, "backup.0"), 0755))

	result, err := Admit(mountpoint, 4096, 1, meta, cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.True(t, result.RotateNeeded)
}
