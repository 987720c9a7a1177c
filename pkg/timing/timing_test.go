package timing

import (
	"testing"
	"time"
)

func TestTimerPhases(t *testing.T) {
	tm := NewTimer()

	tm.StartDNS()
	time.Sleep(2 * time.Millisecond)
	tm.EndDNS()

	tm.StartTCP()
	time.Sleep(2 * time.Millisecond)
	tm.EndTCP()

	tm.StartTTFB()
	time.Sleep(2 * time.Millisecond)
	tm.EndTTFB()

	m := tm.GetMetrics()
	if m.DNSLookup <= 0 {
		t.Fatalf("expected DNSLookup > 0, got %v", m.DNSLookup)
	}
	if m.TCPConnect <= 0 {
		t.Fatalf("expected TCPConnect > 0, got %v", m.TCPConnect)
	}
	if m.TLSHandshake != 0 {
		t.Fatalf("expected TLSHandshake to stay zero when not started, got %v", m.TLSHandshake)
	}
	if m.TotalTime < m.DNSLookup {
		t.Fatalf("TotalTime %v should be >= DNSLookup %v", m.TotalTime, m.DNSLookup)
	}
	if m.GetConnectionTime() != m.DNSLookup+m.TCPConnect+m.TLSHandshake {
		t.Fatalf("GetConnectionTime mismatch")
	}
	if m.GetNetworkTime() != m.TotalTime-m.TTFB {
		t.Fatalf("GetNetworkTime mismatch")
	}
}
