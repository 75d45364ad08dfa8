package payload

import (
	"fmt"

	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"
	"datanet/pkg/wire"

	"github.com/google/uuid"
)

// Letter is a sealed message for a single receiver. Only the receiver's box
// key opens it.
type Letter struct {
	storage.Mailbox
	ID     string
	Sender types.Hash
	Sealed []byte
}

// NewLetter seals body for the receiver's box public key.
func NewLetter(sender *security.KeyPair, receiverBoxKey *[32]byte, body []byte) (*Letter, error) {
	sealed, err := security.Seal(body, receiverBoxKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal letter: %w", err)
	}
	return &Letter{
		ID:     uuid.NewString(),
		Sender: sender.PublicKeyHash(),
		Sealed: sealed,
	}, nil
}

// Open decrypts the letter with the receiver's identity.
func (l *Letter) Open(receiver *security.KeyPair) ([]byte, error) {
	keys, err := receiver.BoxKeyPair()
	if err != nil {
		return nil, err
	}
	return security.Open(l.Sealed, keys)
}

func (l *Letter) MetaData() storage.MetaData {
	return LetterMetaData
}

func (l *Letter) SenderPublicKeyHash() types.Hash {
	return l.Sender
}

func (l *Letter) Serialize() []byte {
	return wire.NewEncoder().
		String(1, l.ID).
		Bytes(2, l.Sender[:]).
		Bytes(3, l.Sealed).
		Encode()
}

func (l *Letter) IsDataInvalid() bool {
	if l.ID == "" || len(l.Sealed) == 0 || l.Sender.IsZero() {
		return true
	}
	return len(l.Serialize()) > LetterMetaData.MaxSizeBytes
}

func DecodeLetter(data []byte) (storage.Payload, error) {
	l := &Letter{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			l.ID = f.String()
		case 2:
			l.Sender, err = types.HashFromBytes(f.Bytes)
		case 3:
			l.Sealed = f.CopyBytes()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
