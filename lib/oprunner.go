package tardis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var configNamePattern = regexp.MustCompile(`^\w+$`)

// Preflight holds everything an OpRunner entry point needs after a
// successful preflight check.
type Preflight struct {
	InstallRoot string
	Config      *Config
	ConfigName  string
}

// RunPreflight clears PATH and shell-inheritance env vars, derives the
// config directory ("config/" under the running executable's install
// root), validates the config name, loads the config file (which
// enforces the strict file-mode rule itself), and optionally requires
// the process to be running as root.
func RunPreflight(configName string, requireRoot bool) (*Preflight, error) {
	return runPreflight(configName, requireRoot, "")
}

// RunPreflightIn is RunPreflight with an operator-supplied config
// directory fallback (--config-dir or TARDIS_CONFIG_DIR), consulted only
// when the install-root "config/" lookup misses entirely: the
// install-root location always wins when both exist.
func RunPreflightIn(configName string, requireRoot bool, configDirOverride string) (*Preflight, error) {
	return runPreflight(configName, requireRoot, configDirOverride)
}

func runPreflight(configName string, requireRoot bool, configDirOverride string) (*Preflight, error) {
	if !configNamePattern.MatchString(configName) {
		return nil, usageErrorf("config name %q must match ^\\w+$", configName)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, configErrorf(err, "determine install root")
	}
	installRoot := filepath.Dir(filepath.Dir(exe))
	configDir := filepath.Join(installRoot, "config")
	configPath := filepath.Join(configDir, configName)

	if _, statErr := os.Stat(configPath); statErr != nil {
		if !os.IsNotExist(statErr) || configDirOverride == "" {
			return nil, configErrorf(statErr, "config %q not found under %q", configName, configDir)
		}
		configDir = configDirOverride
		configPath = filepath.Join(configDir, configName)
		if _, err := os.Stat(configPath); err != nil {
			return nil, configErrorf(err, "config %q not found under %q", configName, configDir)
		}
	}

	sanitizeEnvironment()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if requireRoot && os.Geteuid() != 0 {
		return nil, permissionErrorf("this operation must run as root (uid 0), running as uid %d", os.Geteuid())
	}

	return &Preflight{InstallRoot: installRoot, Config: cfg, ConfigName: configName}, nil
}

// sanitizeEnvironment clears the process environment down to a minimal
// PATH, so no shell-inherited variable can influence the external
// commands OpRunner shells out to (mkfs, mount, losetup).
func sanitizeEnvironment() {
	os.Clearenv()
	os.Setenv("PATH", "/usr/sbin:/usr/bin:/sbin:/bin")
}

// ParseNumericArg parses a decimal or human-size argument (accepting
// the K/M/G[B] suffixes), returning a usage error on anything
// non-numeric.
func ParseNumericArg(name, value string) (int64, error) {
	if IsSize(value) {
		n, err := ParseSize(value)
		if err != nil {
			return 0, usageErrorf("argument %q (%s): %s", value, name, err)
		}
		return n, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, usageErrorf("argument %q (%s) must be numeric", value, name)
	}
	return n, nil
}

// treeLayout resolves a dir-id against its [directory.<id>] config section
// into the image file path, mountpoint, and declared size.
type treeLayout struct {
	imagePath   string
	mountpoint  string
	declared    int64
	fsType      string
	fsOpts      []string
	mountArgs   []string
	owner       string
	group       string
}

func resolveTree(cfg *Config, dirID string) (*treeLayout, error) {
	section := "directory." + dirID
	if !cfg.HasSection(section) {
		return nil, configErrorf(nil, "no [%s] section in config", section)
	}

	remoteDir, ok := cfg.Get(section, "remotedir")
	if !ok {
		return nil, configErrorf(nil, "[%s] missing remotedir", section)
	}
	base, ok := cfg.Get("server", "base")
	if !ok {
		return nil, configErrorf(nil, "[server] missing base")
	}
	maxSizeStr, ok := cfg.Get(section, "maxsize")
	if !ok {
		return nil, configErrorf(nil, "[%s] missing maxsize", section)
	}
	declared, err := ParseSize(maxSizeStr)
	if err != nil {
		return nil, configErrorf(err, "[%s] invalid maxsize %q", section, maxSizeStr)
	}

	fsType := cfg.MustGet(section, "fstype")
	if fsType == "" {
		fsType = cfg.MustGet("server", "fstype")
	}
	if fsType == "" {
		return nil, configErrorf(nil, "no fstype for tree %q", dirID)
	}

	owner := cfg.MustGet("server", "user")
	group := cfg.MustGet("server", "group")

	return &treeLayout{
		imagePath:  filepath.Join(base, remoteDir+imageSuffix),
		mountpoint: filepath.Join(base, remoteDir),
		declared:   declared,
		fsType:     fsType,
		fsOpts:     splitNonEmpty(cfg.MustGet("server", "fsopts")),
		mountArgs:  splitNonEmpty(cfg.MustGet("server", "mountargs")),
		owner:      owner,
		group:      group,
	}, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RunDircontrol implements "dircontrol <config> <dir-id> mount|umount".
// configDir, if non-empty, is consulted only when the install-root config
// lookup finds no file.
func RunDircontrol(ctx context.Context, configDir, configName, dirID, action string) (string, error) {
	pf, err := RunPreflightIn(configName, true, configDir)
	if err != nil {
		return "", err
	}
	tree, err := resolveTree(pf.Config, dirID)
	if err != nil {
		return "", err
	}

	switch action {
	case "mount":
		if _, err := EnsureMountpoint(tree.mountpoint); err != nil {
			return "", err
		}
		if _, err := EnsureImage(ctx, tree.imagePath, tree.declared, tree.fsType, tree.fsOpts); err != nil {
			return "", err
		}
		outcome, err := MountImage(ctx, tree.imagePath, tree.mountpoint, tree.fsType, tree.mountArgs, tree.declared, tree.owner, tree.group)
		if err != nil {
			return "", err
		}
		recordAudit(pf.Config, "dircontrol-mount", dirID, "ok", 0, 0, "recorded size "+FormatSize(outcome.RecordedSize))
		return "mounted " + tree.mountpoint + " (recorded size " + FormatSize(outcome.RecordedSize) + ")", nil

	case "umount":
		if err := UnmountImage(ctx, tree.mountpoint); err != nil {
			return "", err
		}
		recordAudit(pf.Config, "dircontrol-umount", dirID, "ok", 0, 0, "")
		return "unmounted " + tree.mountpoint, nil

	default:
		return "", usageErrorf("dircontrol action must be mount or umount, got %q", action)
	}
}

// RunIncrement implements "increment <config> <dir-id> <bytes> <inodes>":
// admit, then rotate on success.
func RunIncrement(configDir, configName, dirID, bytesArg, inodesArg string) (string, error) {
	pf, err := RunPreflightIn(configName, true, configDir)
	if err != nil {
		return "", err
	}
	tree, err := resolveTree(pf.Config, dirID)
	if err != nil {
		return "", err
	}

	reqBytes, err := ParseNumericArg("bytes", bytesArg)
	if err != nil {
		return "", err
	}
	reqInodes, err := ParseNumericArg("inodes", inodesArg)
	if err != nil {
		return "", err
	}

	meta, _, err := LoadOrCreateMeta(tree.mountpoint, tree.declared)
	if err != nil {
		return "", err
	}

	result, err := Admit(tree.mountpoint, reqBytes, reqInodes, meta, pf.Config)
	if err != nil {
		return "", err
	}

	if result.RotateNeeded {
		if err := Rotate(tree.mountpoint, meta, linkDuplicationThreads); err != nil {
			return "", err
		}
	}

	recordAudit(pf.Config, "increment", dirID, "ok", 0, len(result.Deleted), "")
	return "admitted, reclaimed " + strconv.Itoa(len(result.Deleted)) + " snapshot(s)", nil
}

// RunMarksnapshot implements "marksnapshot <config> <dir-id> <timestamp>".
func RunMarksnapshot(configDir, configName, dirID, timestampArg string) (string, error) {
	pf, err := RunPreflightIn(configName, false, configDir)
	if err != nil {
		return "", err
	}
	tree, err := resolveTree(pf.Config, dirID)
	if err != nil {
		return "", err
	}

	ts, err := strconv.ParseInt(timestampArg, 10, 64)
	if err != nil {
		return "", usageErrorf("timestamp %q must be an integer unix time", timestampArg)
	}

	meta, _, err := LoadOrCreateMeta(tree.mountpoint, tree.declared)
	if err != nil {
		return "", err
	}

	if err := Stamp(meta, ts); err != nil {
		return "", err
	}

	recordAudit(pf.Config, "marksnapshot", dirID, "ok", 0, 0, "timestamp "+timestampArg)
	return "stamped backup.0 at " + timestampArg, nil
}

// RunCleanup implements "cleanup <config> <bytes>": dump-store admit,
// followed by a physical free-space confirmation against server.base.
func RunCleanup(configDir, configName, bytesArg string) (string, error) {
	pf, err := RunPreflightIn(configName, false, configDir)
	if err != nil {
		return "", err
	}

	reqBytes, err := ParseNumericArg("bytes", bytesArg)
	if err != nil {
		return "", err
	}

	base, ok := pf.Config.Get("server", "base")
	if !ok {
		return "", configErrorf(nil, "[server] missing base")
	}
	dbdir, ok := pf.Config.Get("server", "dbdir")
	if !ok {
		return "", configErrorf(nil, "[server] missing dbdir")
	}
	dumpDir := filepath.Join(base, dbdir)

	result, err := AdmitDump(dumpDir, reqBytes, pf.Config)
	if err != nil {
		return "", err
	}

	stats, err := Probe(base)
	if err != nil {
		return "", err
	}
	if stats.FreeBytes < reqBytes {
		return "", fsProbeErrorf(nil, "logical quota admitted %s but physical free space is only %s on %q",
			FormatSize(reqBytes), FormatSize(stats.FreeBytes), base)
	}

	recordAudit(pf.Config, "cleanup", "dumpstore", "ok", result.FreedBytes, len(result.Deleted), "")
	return "dump store admitted, reclaimed " + strconv.Itoa(len(result.Deleted)) + " file(s)", nil
}

// linkDuplicationThreads bounds the concurrency of the hard-link
// duplication fan-out during rotation.
const linkDuplicationThreads = 4

// RunHistory implements the operator-facing "tardis history <config>
// <dir-id>" command: a read-only inspection of the audit journal, never
// part of the admit/rotate/stamp contract.
func RunHistory(configDir, configName, dirID string, limit int) (string, error) {
	pf, err := RunPreflightIn(configName, false, configDir)
	if err != nil {
		return "", err
	}

	base, ok := pf.Config.Get("server", "base")
	if !ok {
		return "", configErrorf(nil, "[server] missing base")
	}

	journal, err := OpenAuditJournal(base)
	if err != nil {
		return "", err
	}
	defer journal.Close()

	entries, err := journal.History(dirID, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no history recorded for tree " + dirID, nil
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%d %s %s reclaimed=%dB/%d detail=%q\n",
			e.OccurredAt, e.Operation, e.Outcome, e.BytesReclaimed, e.SnapshotsReclaimed, e.Detail)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// recordAudit appends a best-effort history row for a state-mutating
// operation. Opening the journal is itself best-effort: if server.base
// isn't writable (e.g. read-only test fixtures) the operation's real
// result is never affected.
func recordAudit(cfg *Config, operation, treeID, outcome string, bytesReclaimed int64, snapshotsReclaimed int, detail string) {
	base, ok := cfg.Get("server", "base")
	if !ok {
		return
	}
	journal, err := OpenAuditJournal(base)
	if err != nil {
		zlog.Warn("could not open audit journal, skipping history entry", zap.Error(err))
		return
	}
	defer journal.Close()

	journal.Record(operation, treeID, time.Now().Unix(), outcome, bytesReclaimed, snapshotsReclaimed, detail)
}
