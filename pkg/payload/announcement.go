package payload

import (
	"datanet/pkg/storage"
	"datanet/pkg/wire"
)

// Announcement is network wide news that only bonded role keys, or the keys
// listed in StaticKeys, may publish.
type Announcement struct {
	storage.Authorized
	Headline   string
	Body       string
	StaticKeys [][]byte
}

func (a *Announcement) MetaData() storage.MetaData {
	return AnnouncementMetaData
}

func (a *Announcement) Serialize() []byte {
	e := wire.NewEncoder().
		String(1, a.Headline).
		String(2, a.Body)
	for _, k := range a.StaticKeys {
		e.Bytes(3, k)
	}
	return e.Encode()
}

func (a *Announcement) IsDataInvalid() bool {
	return a.Headline == "" || len(a.Serialize()) > AnnouncementMetaData.MaxSizeBytes
}

func (a *Announcement) AuthorizedPublicKeys() [][]byte {
	return a.StaticKeys
}

func (a *Announcement) StaticPublicKeysProvided() bool {
	return len(a.StaticKeys) > 0
}

func DecodeAnnouncement(data []byte) (storage.Payload, error) {
	a := &Announcement{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			a.Headline = f.String()
		case 2:
			a.Body = f.String()
		case 3:
			a.StaticKeys = append(a.StaticKeys, f.CopyBytes())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
