package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Server is a file server seen on the LAN.
type Server struct {
	Announcement
	HostName  string
	Addresses []string
	LastSeen  time.Time
}

// Address returns a dialable host:port. The advertised listening host wins
// when it is a concrete address; otherwise IPv4 is preferred over IPv6, and
// the mDNS host name is the last resort.
func (s Server) Address() string {
	port := strconv.Itoa(s.Port)
	if ip := net.ParseIP(s.Host); ip != nil && !ip.IsUnspecified() {
		return net.JoinHostPort(s.Host, port)
	}

	fallback := s.HostName
	for _, raw := range s.Addresses {
		ip := net.ParseIP(raw)
		switch {
		case ip == nil:
		case ip.To4() != nil:
			return net.JoinHostPort(raw, port)
		case fallback == s.HostName:
			fallback = raw
		}
	}
	return net.JoinHostPort(fallback, port)
}

func (s Server) sameAs(other Server) bool {
	if s.Announcement != other.Announcement || s.HostName != other.HostName || len(s.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range s.Addresses {
		if s.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	return true
}

// serverFromEntry turns a browse answer into a Server. Answers without a
// device id, or carrying self, are dropped.
func serverFromEntry(entry *zeroconf.ServiceEntry, self string) (Server, bool) {
	txt := parseRecords(entry.Text)
	deviceID := txt[txtDeviceID]
	if deviceID == "" || deviceID == self {
		return Server{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	seen := make(map[string]struct{})
	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	return Server{
		Announcement: Announcement{
			DeviceID: deviceID,
			Name:     name,
			Host:     txt[txtHost],
			Port:     entry.Port,
			PortMode: txt[txtPortMode],
			Version:  version,
		},
		HostName:  entry.HostName,
		Addresses: addresses,
		LastSeen:  time.Now(),
	}, true
}

// lookup listens for one window and returns the servers that answered,
// keyed by device id.
func lookup(ctx context.Context, browse browseFunc, opts Options, self string) (map[string]Server, error) {
	window, cancel := context.WithTimeout(ctx, opts.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(chan map[string]Server, 1)
	go func() {
		servers := make(map[string]Server)
		in := entries
		for {
			select {
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if server, keep := serverFromEntry(entry, self); keep {
					servers[server.DeviceID] = server
				}
			case <-window.Done():
				collected <- servers
				return
			}
		}
	}()

	err := browse(window, opts.Service, opts.Domain, entries)
	failed := err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
	if failed {
		cancel()
	}
	<-window.Done()
	servers := <-collected

	if failed {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}

// Lookup listens for a single window and returns the servers other than
// self, sorted by name.
func Lookup(ctx context.Context, self string, options Options) ([]Server, error) {
	opts := options.withDefaults()
	browse, err := opts.browser()
	if err != nil {
		return nil, err
	}
	servers, err := lookup(ctx, browse, opts, self)
	if err != nil {
		return nil, err
	}
	return sorted(servers), nil
}

func sorted(servers map[string]Server) []Server {
	out := make([]Server, 0, len(servers))
	for _, server := range servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ChangeKind says what happened to a server between two lookups.
type ChangeKind int

const (
	ServerFound ChangeKind = iota
	ServerUpdated
	ServerLost
)

func (k ChangeKind) String() string {
	switch k {
	case ServerFound:
		return "found"
	case ServerUpdated:
		return "updated"
	case ServerLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Change reports one server entering, changing in or leaving the table.
type Change struct {
	Kind   ChangeKind
	Server Server
}

// Watcher repeats lookups in the background and keeps the latest table.
type Watcher struct {
	opts   Options
	self   string
	browse browseFunc

	mu      sync.RWMutex
	servers map[string]Server

	changes  chan Change
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts looking up servers other than self every Interval.
func Watch(self string, options Options) (*Watcher, error) {
	if strings.TrimSpace(self) == "" {
		return nil, errors.New("device id is required")
	}
	opts := options.withDefaults()
	browse, err := opts.browser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		opts:    opts,
		self:    self,
		browse:  browse,
		servers: make(map[string]Server),
		changes: make(chan Change, 128),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		if servers, err := lookup(ctx, w.browse, w.opts, w.self); err == nil {
			w.replace(servers)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// replace swaps in the latest table and queues the differences. Changes
// are dropped when nobody drains the channel.
func (w *Watcher) replace(next map[string]Server) {
	w.mu.Lock()
	previous := w.servers
	w.servers = next
	w.mu.Unlock()

	for id, server := range next {
		old, known := previous[id]
		switch {
		case !known:
			w.notify(Change{Kind: ServerFound, Server: server})
		case !old.sameAs(server):
			w.notify(Change{Kind: ServerUpdated, Server: server})
		}
	}
	for id, server := range previous {
		if _, still := next[id]; !still {
			w.notify(Change{Kind: ServerLost, Server: server})
		}
	}
}

func (w *Watcher) notify(change Change) {
	select {
	case w.changes <- change:
	default:
	}
}

// Servers returns the table from the latest lookup, sorted by name.
func (w *Watcher) Servers() []Server {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sorted(w.servers)
}

// Changes is closed by Stop.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Stop ends the background lookups and closes Changes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		close(w.changes)
	})
}
