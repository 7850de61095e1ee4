// Package tardis implements the server-side core of the Tardis backup
// system: the image lifecycle manager, the snapshot rotation engine, and
// the database-dump retention manager, plus the config and size-parsing
// plumbing they share.
package tardis

import (
	"os"

	"go.uber.org/zap"
)

var zlog *zap.Logger

func init() {
	var err error
	if os.Getenv("TARDIS_DEBUG") != "" {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		zlog = zap.NewNop()
	}
}

// SetLogger overrides the package-level logger; used by cmd/root.go when
// --debug is passed explicitly rather than via env var.
func SetLogger(l *zap.Logger) {
	if l != nil {
		zlog = l
	}
}

// names and paths fixed by the on-disk layout.
const (
	metaFileName     = ".tardis_meta"
	imageSuffix      = ".timg"
	snapshotPrefix   = "backup."
	sectionImage     = "image"
	keyImageSize     = "size"
	sectionSnapshots = "snapshots"
)
