package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"datanet/pkg/types"
	"datanet/pkg/wire"
)

// ErrUnknownClass is returned when no decoder is registered for a payload
// class name.
var ErrUnknownClass = errors.New("unknown payload class")

// DecodeFunc rebuilds a payload from its Serialize output.
type DecodeFunc func(data []byte) (Payload, error)

// Registry maps payload class names to decoders and decodes requests.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

func (r *Registry) Register(className string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[className] = fn
}

func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for n := range r.decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) DecodePayload(className string, data []byte) (Payload, error) {
	r.mu.RLock()
	fn, ok := r.decoders[className]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	p, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", className, err)
	}
	return p, nil
}

// Request envelope field numbers.
const (
	fieldAddAuthenticated    wire.Number = 1
	fieldRemoveAuthenticated wire.Number = 2
	fieldRefresh             wire.Number = 3
	fieldAddMailbox          wire.Number = 4
	fieldRemoveMailbox       wire.Number = 5
	fieldAddAppendOnly       wire.Number = 6
)

// EncodeRequest serializes any request into its tagged envelope.
func EncodeRequest(req DataRequest) []byte {
	e := wire.NewEncoder()
	switch r := req.(type) {
	case *AddAuthenticatedDataRequest:
		e.Message(fieldAddAuthenticated, wire.NewEncoder().
			Message(1, r.Data.Serialize()).
			Bytes(2, r.Signature).
			Bytes(3, r.OwnerPublicKey).
			Encode())
	case *RemoveAuthenticatedDataRequest:
		e.Message(fieldRemoveAuthenticated, encodeRemoval(r.Meta, r.ContentHash, r.OwnerPublicKey, r.Seq, r.Created, r.Signature, r.Version))
	case *RefreshAuthenticatedDataRequest:
		e.Message(fieldRefresh, encodeRemoval(r.Meta, r.ContentHash, r.OwnerPublicKey, r.Seq, r.Created, r.Signature, RemoveVersionCurrent))
	case *AddMailboxRequest:
		e.Message(fieldAddMailbox, wire.NewEncoder().
			Message(1, r.Data.Serialize()).
			Bytes(2, r.Signature).
			Bytes(3, r.SenderPublicKey).
			Encode())
	case *RemoveMailboxRequest:
		e.Message(fieldRemoveMailbox, encodeRemoval(r.Meta, r.ContentHash, r.ReceiverPublicKey, r.Seq, r.Created, r.Signature, r.Version))
	case *AddAppendOnlyDataRequest:
		e.Message(fieldAddAppendOnly, wire.NewEncoder().
			Message(1, encodeAny(r.Payload)).
			Int64(2, r.Created).
			Encode())
	}
	return e.Encode()
}

// DecodeRequest parses a tagged request envelope.
func (r *Registry) DecodeRequest(data []byte) (DataRequest, error) {
	var req DataRequest
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldAddAuthenticated:
			req, err = r.decodeAddAuthenticated(f.Bytes)
		case fieldRemoveAuthenticated:
			var rm removal
			if rm, err = decodeRemoval(f.Bytes); err == nil {
				req = &RemoveAuthenticatedDataRequest{
					Meta: rm.meta, ContentHash: rm.hash, OwnerPublicKey: rm.key,
					Seq: rm.seq, Created: rm.created, Signature: rm.signature, Version: rm.version,
				}
			}
		case fieldRefresh:
			var rm removal
			if rm, err = decodeRemoval(f.Bytes); err == nil {
				req = &RefreshAuthenticatedDataRequest{
					Meta: rm.meta, ContentHash: rm.hash, OwnerPublicKey: rm.key,
					Seq: rm.seq, Created: rm.created, Signature: rm.signature,
				}
			}
		case fieldAddMailbox:
			req, err = r.decodeAddMailbox(f.Bytes)
		case fieldRemoveMailbox:
			var rm removal
			if rm, err = decodeRemoval(f.Bytes); err == nil {
				req = &RemoveMailboxRequest{
					Meta: rm.meta, ContentHash: rm.hash, ReceiverPublicKey: rm.key,
					Seq: rm.seq, Created: rm.created, Signature: rm.signature, Version: rm.version,
				}
			}
		case fieldAddAppendOnly:
			req, err = r.decodeAddAppendOnly(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("empty request envelope")
	}
	return req, nil
}

func encodeAny(p Payload) []byte {
	return wire.NewEncoder().
		String(1, p.MetaData().ClassName).
		Bytes(2, p.Serialize()).
		Encode()
}

func (r *Registry) decodeAny(data []byte) (Payload, error) {
	var className string
	var value []byte
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			className = f.String()
		case 2:
			value = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.DecodePayload(className, value)
}

func (r *Registry) decodeAuthorizedData(data []byte) (*AuthorizedData, error) {
	ad := &AuthorizedData{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p, err := r.decodeAny(f.Bytes)
			if err != nil {
				return err
			}
			ap, ok := p.(AuthorizedPayload)
			if !ok {
				return fmt.Errorf("payload %s is not authorized data", p.MetaData().ClassName)
			}
			ad.Data = ap
		case 2:
			ad.Signature = f.CopyBytes()
		case 3:
			ad.AuthorizedPublicKey = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ad.Data == nil {
		return nil, fmt.Errorf("authorized data without payload")
	}
	return ad, nil
}

func (r *Registry) decodeAuthenticatedData(data []byte) (*AuthenticatedData, error) {
	d := &AuthenticatedData{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			d.Payload, err = r.decodeAny(f.Bytes)
		case 2:
			d.SequenceNumber = f.Int32()
		case 3:
			d.HashOfPublicKey, err = types.HashFromBytes(f.Bytes)
		case 4:
			d.Created = f.Int64()
		case 5:
			d.Payload, err = r.decodeAuthorizedData(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.Payload == nil {
		return nil, fmt.Errorf("authenticated data without payload")
	}
	return d, nil
}

func (r *Registry) decodeAddAuthenticated(data []byte) (*AddAuthenticatedDataRequest, error) {
	req := &AddAuthenticatedDataRequest{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			req.Data, err = r.decodeAuthenticatedData(f.Bytes)
		case 2:
			req.Signature = f.CopyBytes()
		case 3:
			req.OwnerPublicKey = f.CopyBytes()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Data == nil {
		return nil, fmt.Errorf("add request without data")
	}
	return req, nil
}

func (r *Registry) decodeMailboxData(data []byte) (*MailboxData, error) {
	d := &MailboxData{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			var p Payload
			if p, err = r.decodeAny(f.Bytes); err != nil {
				return err
			}
			mp, ok := p.(MailboxPayload)
			if !ok {
				return fmt.Errorf("payload %s is not mailbox data", p.MetaData().ClassName)
			}
			d.Payload = mp
		case 2:
			d.SequenceNumber = f.Int32()
		case 3:
			d.SenderPublicKeyHash, err = types.HashFromBytes(f.Bytes)
		case 4:
			d.ReceiverPublicKeyHash, err = types.HashFromBytes(f.Bytes)
		case 5:
			d.ReceiverPublicKey = f.CopyBytes()
		case 6:
			d.Created = f.Int64()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.Payload == nil {
		return nil, fmt.Errorf("mailbox data without payload")
	}
	return d, nil
}

func (r *Registry) decodeAddMailbox(data []byte) (*AddMailboxRequest, error) {
	req := &AddMailboxRequest{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			req.Data, err = r.decodeMailboxData(f.Bytes)
		case 2:
			req.Signature = f.CopyBytes()
		case 3:
			req.SenderPublicKey = f.CopyBytes()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Data == nil {
		return nil, fmt.Errorf("mailbox request without data")
	}
	return req, nil
}

func (r *Registry) decodeAddAppendOnly(data []byte) (*AddAppendOnlyDataRequest, error) {
	req := &AddAppendOnlyDataRequest{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p, err := r.decodeAny(f.Bytes)
			if err != nil {
				return err
			}
			ap, ok := p.(AppendOnlyPayload)
			if !ok {
				return fmt.Errorf("payload %s is not append-only data", p.MetaData().ClassName)
			}
			req.Payload = ap
		case 2:
			req.Created = f.Int64()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("append-only request without payload")
	}
	return req, nil
}

// EncodeMetaData serializes meta data as carried by removal requests.
func EncodeMetaData(m MetaData) []byte {
	return wire.NewEncoder().
		String(1, m.ClassName).
		Int64(2, m.TTL.Milliseconds()).
		Int64(3, int64(m.MaxSizeBytes)).
		Int64(4, int64(m.Priority)).
		Encode()
}

func DecodeMetaData(data []byte) (MetaData, error) {
	var m MetaData
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.ClassName = f.String()
		case 2:
			m.TTL = time.Duration(f.Int64()) * time.Millisecond
		case 3:
			m.MaxSizeBytes = int(f.Int64())
		case 4:
			m.Priority = int(f.Int64())
		}
		return nil
	})
	return m, err
}

type removal struct {
	meta      MetaData
	hash      types.Hash
	key       []byte
	seq       int32
	created   int64
	signature []byte
	version   int
}

func encodeRemoval(meta MetaData, hash types.Hash, key []byte, seq int32, created int64, signature []byte, version int) []byte {
	return wire.NewEncoder().
		Message(1, EncodeMetaData(meta)).
		Bytes(2, hash[:]).
		Bytes(3, key).
		Int32(4, seq).
		Int64(5, created).
		Bytes(6, signature).
		Int64(7, int64(version)).
		Encode()
}

func decodeRemoval(data []byte) (removal, error) {
	var rm removal
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			rm.meta, err = DecodeMetaData(f.Bytes)
		case 2:
			rm.hash, err = types.HashFromBytes(f.Bytes)
		case 3:
			rm.key = f.CopyBytes()
		case 4:
			rm.seq = f.Int32()
		case 5:
			rm.created = f.Int64()
		case 6:
			rm.signature = f.CopyBytes()
		case 7:
			rm.version = int(f.Int64())
		}
		return err
	})
	return rm, err
}

// EncodeFilter serializes an inventory request filter.
func EncodeFilter(f DataFilter) []byte {
	e := wire.NewEncoder()
	for _, entry := range f.Entries {
		e.Message(1, wire.NewEncoder().
			Bytes(1, entry.Hash[:]).
			Int32(2, entry.SequenceNumber).
			Encode())
	}
	return e.Int64(2, int64(f.Offset)).Int64(3, int64(f.Range)).Encode()
}

func DecodeFilter(data []byte) (DataFilter, error) {
	var filter DataFilter
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var entry FilterEntry
			err := wire.Decode(f.Bytes, func(ef wire.Field) error {
				var err error
				switch ef.Num {
				case 1:
					entry.Hash, err = types.HashFromBytes(ef.Bytes)
				case 2:
					entry.SequenceNumber = ef.Int32()
				}
				return err
			})
			if err != nil {
				return err
			}
			if len(filter.Entries) >= DataFilterMaxEntries {
				return fmt.Errorf("filter exceeds %d entries", DataFilterMaxEntries)
			}
			filter.Entries = append(filter.Entries, entry)
		case 2:
			filter.Offset = int(f.Int64())
		case 3:
			filter.Range = int(f.Int64())
		}
		return nil
	})
	return filter, err
}

// EncodeInventory serializes an inventory response.
func EncodeInventory(inv Inventory) []byte {
	e := wire.NewEncoder()
	for _, req := range inv.Entries {
		e.Message(1, EncodeRequest(req))
	}
	return e.Int64(2, int64(inv.NumDropped)).Bool(3, inv.MaxSizeReached).Encode()
}

// DecodeInventory parses an inventory. Entries of unknown classes are
// skipped and counted as dropped.
func (r *Registry) DecodeInventory(data []byte) (Inventory, error) {
	var inv Inventory
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			req, err := r.DecodeRequest(f.Bytes)
			if err != nil {
				if errors.Is(err, ErrUnknownClass) {
					inv.NumDropped++
					return nil
				}
				return err
			}
			inv.Entries = append(inv.Entries, req)
		case 2:
			inv.NumDropped += int(f.Int64())
		case 3:
			inv.MaxSizeReached = f.Varint != 0
		}
		return nil
	})
	return inv, err
}
