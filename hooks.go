package dynacache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths. Keys are storage keys (namespaced).
type Hooks interface {
	// A row was returned by the store after its ttl passed.
	ExpiredRead(storageKey string)

	// A row pointed at a blob that does not exist. The read missed.
	DanglingPointer(storageKey, blobKey string)

	// The cache deleted (or tried to delete) a row it could not serve.
	// reason ∈ {"dangling_pointer", "malformed_record", "value_decode"}.
	// err is the cleanup failure, nil when the row was removed.
	SelfHeal(storageKey, reason string, err error)

	// A blob was left without an owning row: the row write after a blob put
	// failed, or a replaced blob could not be deleted.
	OrphanedBlob(storageKey, blobKey string, cause error)

	// Some keys of a multi-key call could not be confirmed.
	// op ∈ {"multi_get", "multi_set", "multi_delete", "clear"}.
	BatchFailure(op string, requested, failed int)

	// A store client was constructed. kind ∈ {"primary", "blob"}.
	ClientOpened(kind string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ExpiredRead(string)                {}
func (NopHooks) DanglingPointer(string, string)    {}
func (NopHooks) SelfHeal(string, string, error)    {}
func (NopHooks) OrphanedBlob(string, string, error) {}
func (NopHooks) BatchFailure(string, int, int)     {}
func (NopHooks) ClientOpened(string)               {}
