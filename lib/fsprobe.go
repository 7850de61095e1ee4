package tardis

import "syscall"

// Stats is a filesystem capacity report: total/used/free bytes, plus
// total/free inodes where the filesystem reports an inode limit.
type Stats struct {
	TotalBytes  int64
	UsedBytes   int64
	FreeBytes   int64
	TotalInodes int64
	FreeInodes  int64 // -1 sentinel: no inode constraint on this filesystem
}

// Probe reports total/used/free bytes and inode counts for path, via
// statfs(2). Grounded on the retrieval pack's sstark-snaprd filesystem
// helper, which reads the same syscall.Statfs_t fields for its own
// free-space check.
func Probe(path string) (Stats, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return Stats{}, fsProbeErrorf(err, "statfs %q", path)
	}

	blockSize := int64(fs.Bsize)
	total := blockSize * int64(fs.Blocks)
	free := blockSize * int64(fs.Bfree)
	used := total - free

	stats := Stats{
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  free,
	}

	if fs.Files == 0 {
		stats.TotalInodes = 0
		stats.FreeInodes = -1
	} else {
		stats.TotalInodes = int64(fs.Files)
		stats.FreeInodes = int64(fs.Ffree)
	}

	return stats, nil
}
