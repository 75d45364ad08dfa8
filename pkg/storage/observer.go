package storage

// Observer receives store activity for instrumentation.
type Observer interface {
	ObserveResult(storeKey, operation string, result Result)
	ObserveSize(storeKey string, size int)
	ObservePruned(storeKey string, count int)
}

type nopObserver struct{}

func (nopObserver) ObserveResult(string, string, Result) {}
func (nopObserver) ObserveSize(string, int)              {}
func (nopObserver) ObservePruned(string, int)            {}

const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpRefresh = "refresh"
)
