package tardis

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"

	"github.com/abourget/llerrgroup"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// dumpFilePattern whitelists the filenames the reclaim loop is allowed
// to unlink: "<name>-<timestamp>.sql.bz2 or similar". Anything not
// matching this shape is left alone even if it sits in the dump
// directory, since unlinking by glob alone is how one deletes the wrong
// file.
var dumpFilePattern = regexp.MustCompile(`^[\w.-]+-\d+\.(sql|dump)(\.(gz|bz2|xz|zst))?$`)

// DumpAdmitResult reports what AdmitDump did.
type DumpAdmitResult struct {
	UsedBytes    int64
	Deleted      []string
	FreedBytes   int64
	FailedDelete []string
}

// AdmitDump reserves reqBytes of quota inside dir. The directory is
// created if absent. dir's logical quota (server.dbsize) is
// independent of the underlying filesystem's physical free space; callers
// must separately confirm physical headroom via Probe.
func AdmitDump(dir string, reqBytes int64, cfg *Config) (*DumpAdmitResult, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, metaIOErrorf(err, "create dump directory %q", dir)
	}

	limit, err := configBytes(cfg, "server", "dbsize")
	if err != nil {
		return nil, err
	}
	forceDBs, err := configInt(cfg, "server", "forcedbs")
	if err != nil {
		return nil, err
	}

	used, err := measureUsage(dir)
	if err != nil {
		return nil, err
	}

	result := &DumpAdmitResult{UsedBytes: used}

	if used+reqBytes <= limit {
		return result, nil
	}

	need := used + reqBytes - limit

	candidates, err := oldestFirstDumpFiles(dir)
	if err != nil {
		return nil, err
	}
	if int64(len(candidates)) <= forceDBs {
		return result, spaceExhaustionf("not enough dump files present to reclaim: %d on disk, forcedbs=%d floor", len(candidates), forceDBs)
	}
	reclaimable := candidates[:len(candidates)-int(forceDBs)]

	var plannedFree int64
	var plan []dumpFile
	for _, f := range reclaimable {
		plan = append(plan, f)
		plannedFree += f.size
		if plannedFree >= need {
			break
		}
	}
	if plannedFree < need {
		return result, spaceExhaustionf("unable to free enough dump space: need %s, reclaimable at most %s across %d file(s)",
			FormatSize(need), FormatSize(plannedFree), len(plan))
	}

	var freed int64
	for _, f := range plan {
		if err := os.Remove(f.path); err != nil {
			result.FailedDelete = append(result.FailedDelete, f.path)
			zlog.Warn("failed to reclaim dump file, continuing", zap.String("path", f.path), zap.Error(err))
			continue
		}
		result.Deleted = append(result.Deleted, f.path)
		freed += f.size
		zlog.Info("reclaimed dump file",
			zap.String("path", f.path),
			zap.String("size", humanize.Bytes(uint64(f.size))),
		)
	}
	result.FreedBytes = freed

	if freed < need {
		return result, spaceExhaustionf("unable to release enough dump space: needed %s, freed %s (%d delete failure(s))",
			FormatSize(need), FormatSize(freed), len(result.FailedDelete))
	}

	return result, nil
}

type dumpFile struct {
	path    string
	size    int64
	modTime int64
}

// oldestFirstDumpFiles lists whitelisted dump files in dir, oldest mtime
// first.
func oldestFirstDumpFiles(dir string) ([]dumpFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, metaIOErrorf(err, "read dump directory %q", dir)
	}

	var files []dumpFile
	for _, e := range entries {
		if e.IsDir() || !dumpFilePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, dumpFile{
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime().Unix(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })
	return files, nil
}

// measureUsage sums file sizes under dir, fanning out per top-level
// entry with bounded concurrency.
func measureUsage(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, metaIOErrorf(err, "read dump directory %q", dir)
	}

	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	eg := llerrgroup.New(threads)

	sizes := make([]int64, len(entries))
	for i, e := range entries {
		if eg.Stop() {
			break
		}
		i, e := i, e
		eg.Go(func() error {
			info, err := e.Info()
			if err != nil {
				return nil
			}
			if info.IsDir() {
				n, err := dirSize(filepath.Join(dir, e.Name()))
				if err != nil {
					return err
				}
				sizes[i] = n
				return nil
			}
			sizes[i] = info.Size()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, metaIOErrorf(err, "measure dump directory usage %q", dir)
	}

	var total int64
	for _, s := range sizes {
		total += s
	}
	return total, nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
