package tiercache

// Hooks are lightweight callbacks for high-signal events of a ProviderCache.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
type Hooks interface {
	// An entry was deleted on read.
	// reason ∈ {"corrupt", "expired", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	SetRejected(storageKey string)

	// A value could not be encoded and was not written.
	EncodeFailed(storageKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)    {}
func (NopHooks) SetRejected(string)         {}
func (NopHooks) EncodeFailed(string, error) {}
