package syncer

// Event is the sum type of sync notifications. Payload shapes are fixed at
// compile time; consumers switch on the concrete type.
type Event interface{ syncEvent() }

// StatusChanged reports a connectivity transition.
type StatusChanged struct {
	Online bool
}

// RequestSynced reports one queued request delivered upstream.
type RequestSynced struct {
	RequestID string
	URL       string
	Method    string
	Status    int
}

// RequestFailed reports a request dropped after exhausting its retries.
type RequestFailed struct {
	RequestID string
	URL       string
	Attempts  int
}

// SyncComplete reports a finished drain cycle.
type SyncComplete struct {
	Processed int
}

// SyncFailed reports a drain cycle aborted by a storage or engine error.
type SyncFailed struct {
	Reason string
}

func (StatusChanged) syncEvent() {}
func (RequestSynced) syncEvent() {}
func (RequestFailed) syncEvent() {}
func (SyncComplete) syncEvent()  {}
func (SyncFailed) syncEvent()    {}
