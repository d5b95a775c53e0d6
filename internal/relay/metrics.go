package relay

// Metrics receives relay events. internal/metrics provides the prometheus implementation.
type Metrics interface {
	SessionStarted(mode StreamMode)
	SessionFailed(kind string)
	SegmentPublished(mode StreamMode, bytes int)
	OriginFailure(kind string)
	ReconnectScheduled()
	ViewerLagged()
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(StreamMode)        {}
func (noopMetrics) SessionFailed(string)             {}
func (noopMetrics) SegmentPublished(StreamMode, int) {}
func (noopMetrics) OriginFailure(string)             {}
func (noopMetrics) ReconnectScheduled()              {}
func (noopMetrics) ViewerLagged()                    {}
