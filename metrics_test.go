package lon

import "testing"

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	m.TicksProcessed.Add(3)
	m.InboundDatapoint.Add(2)
	m.InboundIsi.Add(1)
	m.OutboundMessages.Add(5)

	snap := m.Snapshot()
	if snap.TicksProcessed != 3 {
		t.Errorf("TicksProcessed = %d", snap.TicksProcessed)
	}
	if snap.InboundDatapoint != 2 {
		t.Errorf("InboundDatapoint = %d", snap.InboundDatapoint)
	}
	if snap.InboundIsi != 1 {
		t.Errorf("InboundIsi = %d", snap.InboundIsi)
	}
	if snap.OutboundMessages != 5 {
		t.Errorf("OutboundMessages = %d", snap.OutboundMessages)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.CallbackFailures.Add(7)
	m.InboundDropped.Add(2)

	m.Reset()
	snap := m.Snapshot()
	if snap != (MetricsSnapshot{}) {
		t.Errorf("snapshot after reset: %+v", snap)
	}
}
