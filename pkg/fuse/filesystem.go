// Package fuse exposes the live stores of a node as a read-only filesystem:
//
//	/<store type>/<store key>/<content hash>
//
// Each entry file is a plain text rendering of the stored request.
package fuse

import (
	"context"
	"os"
	"sort"
	"syscall"
	"time"

	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// StoreSource lists the stores to expose. storage.Service implements it.
type StoreSource interface {
	Stores() []storage.Store
	FindStore(st types.StoreType, key string) (storage.Store, bool)
}

const attrTimeout = time.Second

var (
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)
	_ fs.NodeStatfser  = (*Root)(nil)
	_ fs.NodeReaddirer = (*typeDir)(nil)
	_ fs.NodeLookuper  = (*typeDir)(nil)
	_ fs.NodeReaddirer = (*storeDir)(nil)
	_ fs.NodeLookuper  = (*storeDir)(nil)
)

// Root lists one directory per store type.
type Root struct {
	fs.Inode
	source  StoreSource
	logger  *zap.Logger
	mounted time.Time
}

func NewRoot(source StoreSource, logger *zap.Logger) *Root {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Root{source: source, logger: logger.Named("fuse"), mounted: time.Now()}
}

func (r *Root) OnAdd(ctx context.Context) {
	r.logger.Info("FUSE view mounted")
}

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr, r.mounted)
	out.SetTimeout(attrTimeout)
	return 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(types.StoreTypes))
	for _, st := range types.StoreTypes {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: st.Dir()})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, ok := storeTypeByDir(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	setDirAttr(&out.Attr, r.mounted)
	out.SetEntryTimeout(attrTimeout)
	child := &typeDir{root: r, storeType: st}
	return r.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func storeTypeByDir(name string) (types.StoreType, bool) {
	for _, st := range types.StoreTypes {
		if st.Dir() == name {
			return st, true
		}
	}
	return 0, false
}

// typeDir lists the stores of one type by key.
type typeDir struct {
	fs.Inode
	root      *Root
	storeType types.StoreType
}

func (d *typeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var names []string
	for _, s := range d.root.source.Stores() {
		if s.StoreType() == d.storeType {
			names = append(names, s.StoreKey())
		}
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *typeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if _, ok := d.root.source.FindStore(d.storeType, name); !ok {
		return nil, syscall.ENOENT
	}
	setDirAttr(&out.Attr, d.root.mounted)
	out.SetEntryTimeout(attrTimeout)
	child := &storeDir{root: d.root, storeType: d.storeType, key: name}
	return d.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// storeDir lists the entries of one store by content hash.
type storeDir struct {
	fs.Inode
	root      *Root
	storeType types.StoreType
	key       string
}

func (d *storeDir) store() (storage.Store, bool) {
	return d.root.source.FindStore(d.storeType, d.key)
}

func (d *storeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	store, ok := d.store()
	if !ok {
		return nil, syscall.ENOENT
	}
	requests := store.Requests()
	names := make([]string, 0, len(requests))
	for hash := range requests {
		names = append(names, hash.String())
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFREG, Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *storeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	hash, err := types.ParseHash(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	store, ok := d.store()
	if !ok {
		return nil, syscall.ENOENT
	}
	req, ok := store.Requests()[hash]
	if !ok {
		return nil, syscall.ENOENT
	}

	file := &entryFile{dir: d, hash: hash}
	setFileAttr(&out.Attr, req, len(Render(d.storeType, hash, req)))
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	return d.NewInode(ctx, file, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

func setDirAttr(attr *fuse.Attr, mtime time.Time) {
	attr.Mode = 0555 | syscall.S_IFDIR
	attr.Nlink = 2
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
	attr.SetTimes(nil, &mtime, nil)
}

func setFileAttr(attr *fuse.Attr, req storage.DataRequest, size int) {
	mtime := time.UnixMilli(req.CreatedAt())
	attr.Mode = 0444 | syscall.S_IFREG
	attr.Nlink = 1
	attr.Size = uint64(size)
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
	attr.SetTimes(nil, &mtime, nil)
}
