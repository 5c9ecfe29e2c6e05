package qpair

// Observer receives submit/completion/retry/queue-depth events as the
// submit and poll paths touch them. Construct defaults a nil Observer to
// noopObserver so Submit/Poll/completeTracker never have to nil-check
// before recording.
type Observer interface {
	ObserveSubmit(bytes uint64)
	ObserveComplete(latencyNs uint64, success bool, dnr bool)
	ObserveRetry()
	ObserveQueued()
	ObserveQueueDepth(depth int)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmit(uint64)               {}
func (noopObserver) ObserveComplete(uint64, bool, bool) {}
func (noopObserver) ObserveRetry()                      {}
func (noopObserver) ObserveQueued()                     {}
func (noopObserver) ObserveQueueDepth(int)              {}

var _ Observer = noopObserver{}
