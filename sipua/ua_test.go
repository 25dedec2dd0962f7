package sipua

import (
	"net"
	"testing"

	"github.com/kvidnes/sipdialog/sip"
)

func TestNewAppliesOptionsWithoutNetworkProbe(t *testing.T) {
	ua, err := New(WithIP(net.ParseIP("203.0.113.10")), WithUserAgent("test-ua"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ua.ip.String() != "203.0.113.10" {
		t.Errorf("ip = %v, want 203.0.113.10", ua.ip)
	}
	if ua.host != "203.0.113.10" {
		t.Errorf("host = %q, want 203.0.113.10", ua.host)
	}
	if ua.name != "test-ua" {
		t.Errorf("name = %q, want test-ua", ua.name)
	}
	if ua.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 on a fresh agent", ua.ActiveCount())
	}
}

func TestPreferredTransportDefaultsToUDP(t *testing.T) {
	ua, err := New(WithIP(net.ParseIP("203.0.113.10")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recipient := sip.Uri{User: "bob", Host: "bob.example.com"}
	if got := ua.preferredTransport(recipient); got != "UDP" {
		t.Errorf("preferredTransport() = %q, want UDP", got)
	}
}

func TestPreferredTransportHonorsURIParam(t *testing.T) {
	ua, err := New(WithIP(net.ParseIP("203.0.113.10")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recipient := sip.Uri{User: "bob", Host: "bob.example.com", UriParams: sip.NewParams()}
	recipient.UriParams.Add("transport", "tcp")

	if got := ua.preferredTransport(recipient); got != "TCP" {
		t.Errorf("preferredTransport() = %q, want TCP", got)
	}
}

func TestCloseTerminatesWithoutListening(t *testing.T) {
	ua, err := New(WithIP(net.ParseIP("203.0.113.10")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ua.Close(); err != nil {
		t.Errorf("Close() on a never-listened agent: %v", err)
	}
}
