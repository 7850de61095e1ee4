package tardis

import (
	"context"
	"os"
	"path/filepath"

	fibmap "github.com/frostschutz/go-fibmap"
	"go.uber.org/zap"
)

// ImageOutcome reports what EnsureImage actually did.
type ImageOutcome int

const (
	ImageError ImageOutcome = iota
	ImageExists
	ImageCreated
)

// EnsureMountpoint makes sure path exists as a directory, creating it if
// necessary.
func EnsureMountpoint(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.IsDir(), nil
	}
	if !os.IsNotExist(err) {
		return false, mountErrorf(err, "stat mountpoint %q", path)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return false, mountErrorf(err, "create mountpoint %q", path)
	}

	info, err = os.Stat(path)
	if err != nil {
		return false, mountErrorf(err, "stat mountpoint %q after create", path)
	}
	return info.IsDir(), nil
}

// EnsureImage creates a sparse image file of declaredSize and formats it
// with fsType if the file does not already exist. Creation steps run in
// order: validate, allocate sparse, attach loop, mkfs, detach loop. Any
// failure leaves the loop device detached and no partial image mounted.
func EnsureImage(ctx context.Context, file string, declaredSize int64, fsType string, mkfsArgs []string) (ImageOutcome, error) {
	info, err := os.Stat(file)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return ImageError, formatErrorf(nil, "%q exists and is not a regular file", file)
		}
		return ImageExists, nil
	case !os.IsNotExist(err):
		return ImageError, formatErrorf(err, "stat image %q", file)
	}

	if err := allocateSparse(file, declaredSize); err != nil {
		return ImageError, err
	}

	device, err := attachLoop(ctx, file)
	if err != nil {
		os.Remove(file)
		return ImageError, err
	}

	if err := runMkfs(ctx, device, fsType, mkfsArgs); err != nil {
		detachLoop(ctx, device)
		os.Remove(file)
		return ImageError, err
	}

	if err := detachLoop(ctx, device); err != nil {
		os.Remove(file)
		return ImageError, err
	}

	logSparseExtents(file, declaredSize)

	return ImageCreated, nil
}

// allocateSparse creates file with declared logical length size but
// minimal physical size, by writing a single zero byte at offset
// size-1.
func allocateSparse(file string, size int64) error {
	if size <= 0 {
		return formatErrorf(nil, "declared image size must be positive, got %d", size)
	}

	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return formatErrorf(err, "create image file %q", file)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
		os.Remove(file)
		return formatErrorf(err, "allocate sparse image %q to %d bytes", file, size)
	}

	return nil
}

// logSparseExtents reports via FIEMAP how sparse the freshly created
// image actually is -- a diagnostic only, never fails the operation.
func logSparseExtents(file string, declaredSize int64) {
	f, err := os.Open(file)
	if err != nil {
		return
	}
	defer f.Close()

	ff := fibmap.NewFibmapFile(f)
	extents, errno := ff.Fiemap(1024)
	if errno != 0 {
		zlog.Debug("fiemap unsupported on this filesystem, skipping sparseness report", zap.String("file", file))
		return
	}

	var allocated uint64
	for _, ex := range extents {
		allocated += ex.Length
	}
	zlog.Info("image allocated",
		zap.String("file", file),
		zap.Int64("declared_size", declaredSize),
		zap.String("declared_size_human", FormatSize(declaredSize)),
		zap.Uint64("physically_allocated_bytes", allocated),
		zap.Int("extents", len(extents)),
	)
}

// MountOutcome reports the result of MountImage.
type MountOutcome struct {
	Meta         *Meta
	RecordedSize int64
	SizeMismatch bool
	AlreadyByUs  bool
}

// MountImage mounts file at mountpoint via loop. owner/group are applied
// only on first mount.
func MountImage(ctx context.Context, file, mountpoint, fsType string, extraMountOpts []string, declaredSize int64, owner, group string) (*MountOutcome, error) {
	mountedType, mounted, err := currentMountType(mountpoint)
	if err != nil {
		return nil, err
	}

	firstMount := !mounted
	if mounted {
		if mountedType != fsType {
			return nil, mountErrorf(nil, "mountpoint %q already mounted as %q, expected %q", mountpoint, mountedType, fsType)
		}
	} else {
		if err := performMount(ctx, file, mountpoint, fsType, extraMountOpts); err != nil {
			return nil, err
		}
	}

	meta, created, err := LoadOrCreateMeta(mountpoint, declaredSize)
	if err != nil {
		return nil, err
	}
	if !created {
		if _, err := meta.reconcileMeta(mountpoint); err != nil {
			return nil, err
		}
	}

	if firstMount && created && owner != "" {
		if err := chownRecursive(mountpoint, owner, group); err != nil {
			return nil, err
		}
	}

	recorded, err := meta.DeclaredSize()
	if err != nil {
		return nil, err
	}

	outcome := &MountOutcome{
		Meta:         meta,
		RecordedSize: recorded,
		SizeMismatch: recorded != declaredSize,
		AlreadyByUs:  mounted,
	}
	if outcome.SizeMismatch {
		zlog.Warn("recorded image size differs from declared size; continuing with recorded size",
			zap.String("mountpoint", mountpoint),
			zap.Int64("declared", declaredSize),
			zap.Int64("recorded", recorded),
		)
	}

	return outcome, nil
}

// UnmountImage detaches the filesystem mounted at mountpoint.
func UnmountImage(ctx context.Context, mountpoint string) error {
	_, mounted, err := currentMountType(mountpoint)
	if err != nil {
		return err
	}
	if !mounted {
		return mountErrorf(nil, "nothing mounted at %q", mountpoint)
	}

	if _, err := runCommand(ctx, "umount", mountpoint); err != nil {
		return mountErrorf(err, "unmount %q", mountpoint)
	}
	return nil
}

func performMount(ctx context.Context, file, mountpoint, fsType string, extraMountOpts []string) error {
	opts := append([]string{"loop"}, extraMountOpts...)
	args := []string{"-t", fsType, "-o", joinOpts(opts), file, mountpoint}
	if _, err := runCommand(ctx, "mount", args...); err != nil {
		return mountErrorf(err, "mount %q at %q", file, mountpoint)
	}
	return nil
}

func joinOpts(opts []string) string {
	out := ""
	for i, o := range opts {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}

func chownRecursive(root, owner, group string) error {
	uid, gid, err := lookupOwnerGroup(owner, group)
	if err != nil {
		return permissionErrorf("resolve owner %q/group %q: %s", owner, group, err)
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
	if err != nil {
		return permissionErrorf("chown %q to %s:%s: %s", root, owner, group, err)
	}
	return nil
}
