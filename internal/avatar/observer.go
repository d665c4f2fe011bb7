package avatar

import "time"

// Observer receives session telemetry. observability.Metrics implements it.
type Observer interface {
	ObserveState(state string)
	ObserveMessage(direction, ctrl string)
	ObserveDrop(reason string)
	ObserveClose(kind string)
	ObserveHeartbeat()
	ObserveStage(stage string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveState(string)                {}
func (nopObserver) ObserveMessage(string, string)      {}
func (nopObserver) ObserveDrop(string)                 {}
func (nopObserver) ObserveClose(string)                {}
func (nopObserver) ObserveHeartbeat()                  {}
func (nopObserver) ObserveStage(string, time.Duration) {}
