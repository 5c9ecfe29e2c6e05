package nvme

import "github.com/nvme-userspace/nvme-pcie/internal/logging"

// TransportOptions configures a ControllerTransport. Grounded on the
// teacher's DeviceParams struct-of-options-with-defaults-applied-at-
// construction shape in backend.go.
type TransportOptions struct {
	// UseCMBSubmissionQueues places a queue pair's SQ in the Controller
	// Memory Buffer when the controller advertises one and it allows SQ
	// placement; the CQ always lives in host memory (spec.md §4.B/D).
	UseCMBSubmissionQueues bool

	// QueueDepthOverride, if positive and smaller than the negotiated
	// min(256, CAP.MQES+1) I/O queue depth, replaces it; a larger value is
	// ignored.
	QueueDepthOverride int

	// RetryLimit bounds how many times a retryable completion resubmits
	// before being delivered as an error. Defaults to
	// constants.DefaultRetryLimit.
	RetryLimit int

	// Logger receives structured transport diagnostics. Defaults to
	// logging.Default().
	Logger *logging.Logger

	// Observer receives submit/completion/retry/queue-depth events from
	// every queue pair this transport owns. Defaults to a
	// NewMetricsObserver feeding the transport's own Metrics() instance;
	// pass NoOpObserver{} explicitly to disable recording.
	Observer Observer
}

// withDefaults returns a copy of opts with zero-valued fields replaced by
// their defaults.
func (o TransportOptions) withDefaults() TransportOptions {
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}
