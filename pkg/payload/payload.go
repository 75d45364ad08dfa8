// Package payload provides the concrete payload classes shipped with the
// node: notes, announcements, letters and attestations.
package payload

import (
	"time"

	"datanet/pkg/storage"
)

const (
	NoteClass         = "Note"
	AnnouncementClass = "Announcement"
	LetterClass       = "Letter"
	AttestationClass  = "Attestation"
)

var (
	NoteMetaData = storage.MetaData{
		TTL:          5 * 24 * time.Hour,
		MaxSizeBytes: 10_000,
		ClassName:    NoteClass,
		Priority:     storage.DefaultPriority,
	}
	AnnouncementMetaData = storage.MetaData{
		TTL:          7 * 24 * time.Hour,
		MaxSizeBytes: 20_000,
		ClassName:    AnnouncementClass,
		Priority:     storage.HighPriority,
	}
	LetterMetaData = storage.MetaData{
		TTL:          7 * 24 * time.Hour,
		MaxSizeBytes: 100_000,
		ClassName:    LetterClass,
		Priority:     storage.DefaultPriority,
	}
	AttestationMetaData = storage.MetaData{
		TTL:          10 * 24 * time.Hour,
		MaxSizeBytes: 1_000,
		ClassName:    AttestationClass,
		Priority:     storage.DefaultPriority,
	}
)

// Register installs the decoders of every payload class in reg.
func Register(reg *storage.Registry) {
	reg.Register(NoteClass, DecodeNote)
	reg.Register(AnnouncementClass, DecodeAnnouncement)
	reg.Register(LetterClass, DecodeLetter)
	reg.Register(AttestationClass, DecodeAttestation)
}

// NewRegistry returns a registry with every payload class registered.
func NewRegistry() *storage.Registry {
	reg := storage.NewRegistry()
	Register(reg)
	return reg
}

// MetaDataFor returns the meta data of a registered class.
func MetaDataFor(className string) (storage.MetaData, bool) {
	switch className {
	case NoteClass:
		return NoteMetaData, true
	case AnnouncementClass:
		return AnnouncementMetaData, true
	case LetterClass:
		return LetterMetaData, true
	case AttestationClass:
		return AttestationMetaData, true
	}
	return storage.MetaData{}, false
}
