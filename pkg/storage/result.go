package storage

// Reason is the outcome of applying a request to a store.
type Reason int

const (
	ReasonNone Reason = iota
	SequenceNumberInvalid
	Expired
	DataInvalid
	PublicKeyInvalid
	SignatureInvalid
	NoEntry
	AlreadyRemoved
	PayloadAlreadyStored
	MaxMapSizeReached
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "OK"
	case SequenceNumberInvalid:
		return "SEQUENCE_NUMBER_INVALID"
	case Expired:
		return "EXPIRED"
	case DataInvalid:
		return "DATA_INVALID"
	case PublicKeyInvalid:
		return "PUBLIC_KEY_INVALID"
	case SignatureInvalid:
		return "SIGNATURE_INVALID"
	case NoEntry:
		return "NO_ENTRY"
	case AlreadyRemoved:
		return "ALREADY_REMOVED"
	case PayloadAlreadyStored:
		return "PAYLOAD_ALREADY_STORED"
	case MaxMapSizeReached:
		return "MAX_MAP_SIZE_REACHED"
	default:
		return "UNKNOWN"
	}
}

// IsSevere reports reasons that may indicate a forged or malicious request.
func (r Reason) IsSevere() bool {
	switch r {
	case DataInvalid, PublicKeyInvalid, SignatureInvalid:
		return true
	default:
		return false
	}
}

// Result reports how a store handled a request. Stored is true whenever the
// map changed, which includes the bookkeeping tombstones written for
// NoEntry and AlreadyRemoved removals.
type Result struct {
	Reason Reason
	Stored bool
}

func (r Result) Accepted() bool {
	return r.Reason == ReasonNone
}

// ShouldPropagate reports whether peers need to see the request. Only
// accepted mutations are sent on; bookkeeping tombstones stay local.
func (r Result) ShouldPropagate() bool {
	return r.Accepted() && r.Stored
}

func (r Result) String() string {
	return r.Reason.String()
}

func success() Result {
	return Result{Reason: ReasonNone, Stored: true}
}

func failure(reason Reason) Result {
	return Result{Reason: reason}
}
