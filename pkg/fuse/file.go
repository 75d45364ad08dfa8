package fuse

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"syscall"
	"time"

	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

var (
	_ fs.NodeGetattrer = (*entryFile)(nil)
	_ fs.NodeOpener    = (*entryFile)(nil)
	_ fs.NodeReader    = (*entryFile)(nil)
)

// entryFile renders one stored request. The content is rebuilt on every
// read so a refreshed or removed entry shows its current state.
type entryFile struct {
	fs.Inode
	dir  *storeDir
	hash types.Hash
}

func (f *entryFile) content() ([]byte, bool) {
	store, ok := f.dir.store()
	if !ok {
		return nil, false
	}
	req, ok := store.Requests()[f.hash]
	if !ok {
		return nil, false
	}
	return Render(f.dir.storeType, f.hash, req), true
}

func (f *entryFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	store, ok := f.dir.store()
	if !ok {
		return syscall.ENOENT
	}
	req, ok := store.Requests()[f.hash]
	if !ok {
		return syscall.ENOENT
	}
	setFileAttr(&out.Attr, req, len(Render(f.dir.storeType, f.hash, req)))
	out.SetTimeout(attrTimeout)
	return 0
}

func (f *entryFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *entryFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, ok := f.content()
	if !ok {
		return nil, syscall.ENOENT
	}
	f.dir.root.logger.Debug("Read entry",
		zap.String("store", f.dir.key),
		zap.String("hash", f.hash.String()),
		zap.Int64("offset", off))

	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// Render formats a stored request as "key: value" lines.
func Render(st types.StoreType, hash types.Hash, req storage.DataRequest) []byte {
	var b strings.Builder
	line := func(key string, value any) {
		fmt.Fprintf(&b, "%s: %v\n", key, value)
	}

	line("store_type", st)
	line("class", req.ClassName())
	line("hash", hash)
	line("sequence", req.SequenceNumber())
	line("created", time.UnixMilli(req.CreatedAt()).UTC().Format(time.RFC3339))

	switch r := req.(type) {
	case *storage.AddAuthenticatedDataRequest:
		line("kind", "add")
		line("owner", hex.EncodeToString(r.OwnerPublicKey))
		line("payload", describePayload(r.Data.Payload))
	case *storage.RefreshAuthenticatedDataRequest:
		line("kind", "refresh")
		line("owner", hex.EncodeToString(r.OwnerPublicKey))
	case *storage.RemoveAuthenticatedDataRequest:
		line("kind", "removed")
		line("owner", hex.EncodeToString(r.OwnerPublicKey))
		line("version", r.Version)
	case *storage.AddMailboxRequest:
		line("kind", "add")
		line("sender", hex.EncodeToString(r.SenderPublicKey))
		line("receiver", r.Data.ReceiverPublicKeyHash)
		line("payload", describePayload(r.Data.Payload))
	case *storage.RemoveMailboxRequest:
		line("kind", "removed")
		line("receiver", hex.EncodeToString(r.ReceiverPublicKey))
		line("version", r.Version)
	case *storage.AddAppendOnlyDataRequest:
		line("kind", "add")
		line("payload", describePayload(r.Payload))
	}
	return []byte(b.String())
}

func describePayload(p storage.Payload) string {
	if authorized, ok := p.(*storage.AuthorizedData); ok {
		return fmt.Sprintf("%+v", authorized.Data)
	}
	return fmt.Sprintf("%+v", p)
}
