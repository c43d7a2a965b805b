package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type file servers register under.
	DefaultService = "_fileserver._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// ProtocolVersion is published in the version TXT record.
	ProtocolVersion = 1
	// DefaultInterval is the pause between background lookups.
	DefaultInterval = 10 * time.Second
	// DefaultWindow bounds how long one lookup listens for answers.
	DefaultWindow = 3 * time.Second

	// PortModeFixed and PortModeAutomatic mirror the host's port selection.
	PortModeFixed     = "fixed"
	PortModeAutomatic = "automatic"
)

// TXT record keys.
const (
	txtDeviceID = "device_id"
	txtVersion  = "version"
	txtHost     = "host"
	txtPortMode = "port_mode"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Options selects the mDNS service and lookup timing.
type Options struct {
	Service  string
	Domain   string
	Interval time.Duration
	Window   time.Duration

	register registerFunc
	browse   browseFunc
}

func (o Options) withDefaults() Options {
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.register == nil {
		o.register = zeroconf.Register
	}
	return o
}

// browser returns the injected browse function or a zeroconf resolver.
func (o Options) browser() (browseFunc, error) {
	if o.browse != nil {
		return o.browse, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Announcement is what a hosting file server publishes about itself.
type Announcement struct {
	DeviceID string
	Name     string
	// Host is the address the server listens on. Empty when bound to every
	// interface.
	Host     string
	Port     int
	PortMode string
	Version  int
}

func (a Announcement) validate() error {
	if strings.TrimSpace(a.DeviceID) == "" {
		return errors.New("device id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("server name is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("invalid listening port %d", a.Port)
	}
	switch a.PortMode {
	case "", PortModeFixed, PortModeAutomatic:
		return nil
	default:
		return fmt.Errorf("invalid port mode %q", a.PortMode)
	}
}

// records encodes the announcement as TXT key=value strings.
func (a Announcement) records() []string {
	version := a.Version
	if version == 0 {
		version = ProtocolVersion
	}
	records := []string{
		txtDeviceID + "=" + a.DeviceID,
		txtVersion + "=" + strconv.Itoa(version),
	}
	if a.Host != "" {
		records = append(records, txtHost+"="+a.Host)
	}
	if a.PortMode != "" {
		records = append(records, txtPortMode+"="+a.PortMode)
	}
	return records
}

// parseRecords splits TXT strings into a key/value map. Malformed strings
// and empty keys are skipped.
func parseRecords(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// Advertiser keeps one announcement registered on the LAN.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers announcement under the configured service.
func Advertise(announcement Announcement, options Options) (*Advertiser, error) {
	if err := announcement.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	server, err := opts.register(announcement.Name, opts.Service, opts.Domain, announcement.Port, announcement.records(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Presence advertises a hosting server and watches for the others.
type Presence struct {
	advertiser *Advertiser
	watcher    *Watcher
}

// Join advertises announcement and starts watching for other servers.
func Join(announcement Announcement, options Options) (*Presence, error) {
	advertiser, err := Advertise(announcement, options)
	if err != nil {
		return nil, err
	}
	watcher, err := Watch(announcement.DeviceID, options)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	return &Presence{advertiser: advertiser, watcher: watcher}, nil
}

// Servers returns the other servers currently visible.
func (p *Presence) Servers() []Server {
	return p.watcher.Servers()
}

// Changes streams servers appearing, changing and disappearing.
func (p *Presence) Changes() <-chan Change {
	return p.watcher.Changes()
}

// Leave stops watching and withdraws the announcement.
func (p *Presence) Leave() {
	if p == nil {
		return
	}
	p.watcher.Stop()
	p.advertiser.Stop()
}
