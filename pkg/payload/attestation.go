package payload

import (
	"datanet/pkg/storage"
	"datanet/pkg/types"
	"datanet/pkg/wire"
)

// Attestation records a statement about a subject hash. Attestations are
// append-only and never removed.
type Attestation struct {
	storage.AppendOnly
	Subject   types.Hash
	Statement string
}

func (a *Attestation) MetaData() storage.MetaData {
	return AttestationMetaData
}

func (a *Attestation) Serialize() []byte {
	return wire.NewEncoder().
		Bytes(1, a.Subject[:]).
		String(2, a.Statement).
		Encode()
}

func (a *Attestation) IsDataInvalid() bool {
	return a.Subject.IsZero() || a.Statement == "" || len(a.Serialize()) > AttestationMetaData.MaxSizeBytes
}

func DecodeAttestation(data []byte) (storage.Payload, error) {
	a := &Attestation{}
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			a.Subject, err = types.HashFromBytes(f.Bytes)
		case 2:
			a.Statement = f.String()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
