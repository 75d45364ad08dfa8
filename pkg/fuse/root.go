package fuse

import (
	"context"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// MountOptions configures Mount.
type MountOptions struct {
	Debug      bool
	AllowOther bool
}

// Mount serves the view at dir until the returned server is unmounted.
func Mount(dir string, source StoreSource, opts MountOptions, logger *zap.Logger) (*fuse.Server, error) {
	root := NewRoot(source, logger)
	timeout := attrTimeout
	server, err := fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "datanet",
			Name:       "datanet",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
			Options:    []string{"ro"},
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", dir, err)
	}
	return server, nil
}

// Statfs reports the number of stored entries as used inodes.
func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var entries uint64
	for _, s := range r.source.Stores() {
		entries += uint64(s.Len())
	}
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Files = entries
	out.NameLen = 255
	return 0
}
