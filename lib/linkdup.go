package tardis

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/abourget/llerrgroup"
)

// DuplicateTree recreates dst as a hard-link duplicate of src: every
// directory entry is recreated, and every regular file and symlink shares
// its inode with src via os.Link, so their mode and mtime carry over.
// Directories get src's mode and mtime applied once all links are made.
//
// Directories are created in a first, sequential pass so no Link call
// ever races its parent directory's creation; regular-file links then run
// with bounded concurrency via llerrgroup.
func DuplicateTree(src, dst string, threads int) error {
	if threads <= 0 {
		threads = 1
	}

	type fileJob struct {
		srcPath, dstPath string
		mode             fs.FileMode
	}
	var files []fileJob

	type dirJob struct {
		dstPath string
		info    os.FileInfo
	}
	var dirs []dirJob

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			dirs = append(dirs, dirJob{dstPath: dstPath, info: info})
			return os.MkdirAll(dstPath, info.Mode())

		case info.Mode()&os.ModeSymlink != 0:
			// os.Link on a symlink path links the symlink's own directory
			// entry, not its target: dst gets the identical inode, so the
			// original ownership and mtime come along for free instead of
			// being re-stamped by whatever process runs this.
			return os.Link(path, dstPath)

		case info.Mode().IsRegular():
			files = append(files, fileJob{srcPath: path, dstPath: dstPath, mode: info.Mode()})
			return nil

		default:
			// Devices, sockets, fifos: recreate as a best-effort copy of
			// the special file's mode bits via mknod-equivalent, rare in
			// practice for database/tree backups.
			return mknodLike(dstPath, info)
		}
	})
	if err != nil {
		return metaIOErrorf(err, "walk %q for hard-link duplication", src)
	}

	eg := llerrgroup.New(threads)
	for _, job := range files {
		if eg.Stop() {
			break
		}
		job := job
		eg.Go(func() error {
			return os.Link(job.srcPath, job.dstPath)
		})
	}
	if err := eg.Wait(); err != nil {
		return metaIOErrorf(err, "hard-link duplicate %q into %q", src, dst)
	}

	// Applied last: adding entries updates a directory's mtime, and the
	// umask may have narrowed the mode MkdirAll used.
	for _, d := range dirs {
		if err := os.Chmod(d.dstPath, d.info.Mode()); err != nil {
			return metaIOErrorf(err, "set mode on %q", d.dstPath)
		}
		if err := os.Chtimes(d.dstPath, d.info.ModTime(), d.info.ModTime()); err != nil {
			return metaIOErrorf(err, "set mtime on %q", d.dstPath)
		}
	}

	return nil
}

// mknodLike handles the rare special-file case; Tardis trees are
// database dumps and filesystem trees, so this is a narrow fallback
// rather than a load-bearing path.
func mknodLike(dstPath string, info os.FileInfo) error {
	// Best effort: stdlib has no portable mknod. An empty placeholder
	// file preserves the directory entry without claiming to preserve
	// device semantics we cannot portably recreate.
	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	return f.Close()
}
