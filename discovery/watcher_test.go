package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestLookupReturnsServersOtherThanSelf(t *testing.T) {
	options := Options{
		Window: 30 * time.Millisecond,
		browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			bob := testEntry("peer-1", "Bob", 40123, "10.0.0.2")
			bob.Text = append(bob.Text, "host=10.0.0.9", "port_mode=automatic")
			entries <- bob
			entries <- testEntry("self", "Self", 9999, "10.0.0.1")
			entries <- testEntry("peer-2", "Alice", 9999, "10.0.0.3")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	servers, err := Lookup(context.Background(), "self", options)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(servers) != 2 || servers[0].Name != "Alice" || servers[1].Name != "Bob" {
		t.Fatalf("unexpected servers %+v", servers)
	}
	bob := servers[1]
	if bob.Host != "10.0.0.9" || bob.PortMode != PortModeAutomatic || bob.Version != 1 {
		t.Fatalf("unexpected announcement %+v", bob.Announcement)
	}
	if bob.Address() != "10.0.0.9:40123" {
		t.Fatalf("expected advertised host to win, got %q", bob.Address())
	}
}

func TestLookupReportsBrowseFailure(t *testing.T) {
	failure := errors.New("no multicast interface")
	options := Options{
		Window: time.Hour,
		browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return failure
		},
	}

	if _, err := Lookup(context.Background(), "self", options); !errors.Is(err, failure) {
		t.Fatalf("expected browse failure, got %v", err)
	}
}

func TestLookupHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	options := Options{
		Window: time.Hour,
		browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	if _, err := Lookup(ctx, "self", options); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWatcherReportsFoundUpdatedAndLost(t *testing.T) {
	var calls int32
	options := Options{
		Interval: 40 * time.Millisecond,
		Window:   20 * time.Millisecond,
		browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				entries <- testEntry("peer-1", "Bob", 9998, "10.0.0.2")
				entries <- testEntry("peer-2", "Carol", 9997, "10.0.0.3")
			default:
				entries <- testEntry("peer-2", "Carol", 9001, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	watcher, err := Watch("self", options)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer watcher.Stop()

	if !waitForChange(watcher.Changes(), ServerLost, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer-1 to be reported lost")
	}
	waitFor(t, 2*time.Second, func() bool {
		servers := watcher.Servers()
		return len(servers) == 1 && servers[0].DeviceID == "peer-2" && servers[0].Port == 9001
	})
}

func TestWatchRequiresDeviceID(t *testing.T) {
	if _, err := Watch(" ", Options{}); err == nil {
		t.Fatalf("expected missing device id to be rejected")
	}
}

func TestWatcherStopClosesChanges(t *testing.T) {
	options := Options{
		Interval: time.Hour,
		Window:   10 * time.Millisecond,
		browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}
	watcher, err := Watch("self", options)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	watcher.Stop()
	watcher.Stop()

	if _, open := <-watcher.Changes(); open {
		t.Fatalf("expected changes channel to be closed")
	}
}

func TestServerAddressFallbacks(t *testing.T) {
	server := Server{HostName: "bob.local", Addresses: []string{"fe80::1", "10.0.0.2"}}
	server.Port = 9999
	if got := server.Address(); got != "10.0.0.2:9999" {
		t.Fatalf("unexpected address %q", got)
	}

	server.Host = "0.0.0.0"
	if got := server.Address(); got != "10.0.0.2:9999" {
		t.Fatalf("expected unspecified host to be ignored, got %q", got)
	}

	server.Addresses = []string{"fe80::1"}
	if got := server.Address(); got != "[fe80::1]:9999" {
		t.Fatalf("unexpected address %q", got)
	}

	server.Addresses = nil
	if got := server.Address(); got != "bob.local:9999" {
		t.Fatalf("unexpected address %q", got)
	}
}

func testEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text:     []string{"device_id=" + deviceID, "version=1"},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitForChange(changes <-chan Change, kind ChangeKind, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return false
			}
			if change.Kind == kind && change.Server.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
