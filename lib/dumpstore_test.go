package tardis

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dumpServerConfig(dbsize, forcedbs string) *Config {
	cfg := NewConfig()
	cfg.Set("server", "dbsize", dbsize)
	cfg.Set("server", "forcedbs", forcedbs)
	return cfg
}

func writeDumpFile(t *testing.T, dir, name string, size int, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestAdmitDump_CreatesDirectoryIfMissing(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dbdumps")
	cfg := dumpServerConfig("1M", "2")

	result, err := AdmitDump(dir, 100, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.UsedBytes)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAdmitDump_UnderLimit_NoDeletion(t *testing.T) {
	dir := t.TempDir()
	cfg := dumpServerConfig("1M", "1")

	writeDumpFile(t, dir, "db-1700000000.sql.bz2", 1024, time.Hour)

	result, err := AdmitDump(dir, 1024, cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
}

func TestAdmitDump_OverLimit_ReclaimsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := dumpServerConfig("3000", "1")

	writeDumpFile(t, dir, "db-1.sql.bz2", 1000, 3*time.Hour)
	writeDumpFile(t, dir, "db-2.sql.bz2", 1000, 2*time.Hour)
	writeDumpFile(t, dir, "db-3.sql.bz2", 1000, 1*time.Hour)

	result, err := AdmitDump(dir, 1000, cfg)
	require.NoError(t, err)
	require.Len(t, result.Deleted, 1)
	assert.Contains(t, result.Deleted[0], "db-1.sql.bz2", "oldest file must be reclaimed first")

	_, err = os.Stat(filepath.Join(dir, "db-2.sql.bz2"))
	assert.NoError(t, err, "newer files must survive")
	_, err = os.Stat(filepath.Join(dir, "db-3.sql.bz2"))
	assert.NoError(t, err, "forcedbs floor must protect the newest file")
}

func TestAdmitDump_NotEnoughFilesToReclaim_Fails(t *testing.T) {
	dir := t.TempDir()
	cfg := dumpServerConfig("100", "5")

	writeDumpFile(t, dir, "db-1.sql.bz2", 1000, time.Hour)

	_, err := AdmitDump(dir, 100, cfg)
	require.Error(t, err)

	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindSpaceExhaustion, terr.Kind)
}

func TestAdmitDump_IgnoresNonWhitelistedFilenames(t *testing.T) {
	dir := t.TempDir()
	cfg := dumpServerConfig("100", "0")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), make([]byte, 1000), 0644))

	// The README is not whitelisted so the reclaim loop must not consider
	// it a candidate even though deleting it would free enough space.
	_, err := AdmitDump(dir, 100, cfg)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "README.txt"))
	assert.NoError(t, statErr, "non-whitelisted files must never be deleted by the reclaim loop")
}

func TestAdmitDump_UnreachableTarget_FailsWithoutDeleting(t *testing.T) {
	dir := t.TempDir()
	cfg := dumpServerConfig("500", "0")

	writeDumpFile(t, dir, "db-1.sql.bz2", 100, time.Hour)

	_, err := AdmitDump(dir, 10000, cfg)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "db-1.sql.bz2"))
	assert.NoError(t, statErr, "first pass must fail before any unlink when the target is unreachable")
}

func TestDumpFilePattern_AcceptsAndRejects(t *testing.T) {
	accepted := []string{
		"mydb-1700000000.sql.bz2",
		"accounts-42.dump.gz",
		"shop-99.sql",
	}
	rejected := []string{
		"README.txt",
		"mydb.sql.bz2",
		"../escape-1.sql.bz2",
	}

	for _, name := range accepted {
		assert.True(t, dumpFilePattern.MatchString(name), fmt.Sprintf("expected %q to match", name))
	}
	for _, name := range rejected {
		assert.False(t, dumpFilePattern.MatchString(name), fmt.Sprintf("expected %q to be rejected", name))
	}
}
