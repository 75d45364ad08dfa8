package payload

import (
	"unicode/utf8"

	"datanet/pkg/storage"
	"datanet/pkg/wire"
)

// MaxNoteLength bounds the text of a note in runes.
const MaxNoteLength = 2_000

// Note is a short public text owned by its author key.
type Note struct {
	Author  string
	Text    string
	Created int64
}

func (n *Note) MetaData() storage.MetaData {
	return NoteMetaData
}

func (n *Note) Serialize() []byte {
	return wire.NewEncoder().
		String(1, n.Author).
		String(2, n.Text).
		Int64(3, n.Created).
		Encode()
}

func (n *Note) IsDataInvalid() bool {
	if n.Text == "" || !utf8.ValidString(n.Text) {
		return true
	}
	if utf8.RuneCountInString(n.Text) > MaxNoteLength {
		return true
	}
	return len(n.Serialize()) > NoteMetaData.MaxSizeBytes
}

func DecodeNote(data []byte) (storage.Payload, error) {
	n := &Note{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.Author = f.String()
		case 2:
			n.Text = f.String()
		case 3:
			n.Created = f.Int64()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}
