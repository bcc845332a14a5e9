package ovsnet

import "testing"

func TestDefaultRouteFrom(t *testing.T) {
	table := "Iface\tDestination\tGateway \tFlags\tRefCnt\tUse\tMetric\tMask\t\tMTU\tWindow\tIRTT\n" +
		"eth1\t0000A8C0\t00000000\t0001\t0\t0\t0\t00FFFFFF\t0\t0\t0\n" +
		"eth0\t00000000\t0101A8C0\t0003\t0\t0\t0\t00000000\t0\t0\t0\n"

	if got := defaultRouteFrom(table); got != "eth0" {
		t.Fatalf("expected eth0 to carry the default route, got %q", got)
	}
}

func TestDefaultRouteFromNoDefault(t *testing.T) {
	table := "Iface\tDestination\tGateway \tFlags\tRefCnt\tUse\tMetric\tMask\t\tMTU\tWindow\tIRTT\n" +
		"eth1\t0000A8C0\t00000000\t0001\t0\t0\t0\t00FFFFFF\t0\t0\t0\n"

	if got := defaultRouteFrom(table); got != "" {
		t.Fatalf("expected no default route, got %q", got)
	}
}
