package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"fileserver/config"
	"fileserver/discovery"
	"fileserver/network"
	"fileserver/storage"
	"fileserver/ui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, errUsage)
			os.Exit(2)
		}
		ui.LogError("%v", err)
		os.Exit(2)
	}
	if opts.debug {
		ui.EnableDebug()
	}

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		ui.LogError("%v", err)
		os.Exit(1)
	}
}

// app carries the state shared by every session of one run.
type app struct {
	cfg   *config.Config
	store *storage.Store
}

func run(ctx context.Context, opts runOptions) error {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	opts.apply(cfg)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			ui.LogWarning("database close error: %v", err)
		}
	}()

	pterm.Info.Println(fmt.Sprintf("fileserver %s (%s)", cfg.DeviceName, opts.mode))
	ui.LogDebug("device id %s", cfg.DeviceID)
	ui.LogDebug("config file %s", cfgPath)
	ui.LogDebug("database file %s", dbPath)

	a := &app{cfg: cfg, store: store}
	if opts.mode == modeHost {
		return a.host(ctx)
	}
	return a.connect(ctx)
}

func (a *app) connectionOptions() network.ConnectionOptions {
	return network.ConnectionOptions{
		ReadTimeout:  a.cfg.ReadTimeout(),
		WriteTimeout: a.cfg.WriteTimeout(),
	}
}

func (a *app) newSession(conn *network.Connection, peers func(context.Context) ([]discovery.Server, error)) *session {
	progress := ui.NewProgress()
	manager := network.NewTransferManager(network.TransferOptions{
		ChunkSize:       a.cfg.ChunkSize,
		DownloadDir:     a.cfg.DownloadDir,
		Decide:          ui.OfferDecider(a.cfg.AutoAccept),
		Progress:        progress,
		Journal:         a.store,
		RecordChecksums: !a.cfg.SkipChecksums,
		Warn: func(err error) {
			ui.LogWarning("%v", err)
		},
	})
	return &session{
		conn:      conn,
		transfers: manager,
		store:     a.store,
		progress:  progress,
		peers:     peers,
		deviceID:  a.cfg.DeviceID,
	}
}

// host listens for peers and serves them one at a time.
func (a *app) host(ctx context.Context) error {
	if a.cfg.HostAddress == "" {
		ip, err := network.LocalIP()
		if err != nil {
			ui.LogWarning("local address detection failed, listening on all interfaces: %v", err)
		} else {
			a.cfg.HostAddress = ip.String()
		}
	}

	server, err := network.Listen(a.cfg.ListenAddress(), a.connectionOptions())
	if err != nil {
		return err
	}
	defer server.Close()
	ui.LogInfo("hosting server on %s", server.Addr())

	var peers func(context.Context) ([]discovery.Server, error)
	if !a.cfg.DisableDiscovery {
		if presence := a.advertise(server.Addr()); presence != nil {
			defer presence.Leave()
			peers = func(context.Context) ([]discovery.Server, error) {
				return presence.Servers(), nil
			}
		}
	}

	for {
		conn, err := server.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			ui.LogWarning("failed to accept connection: %v", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		if !a.cfg.AutoAccept && !ui.ConfirmPeer(remote) {
			ui.LogInfo("refused connection from %s", remote)
			_ = conn.Close()
			continue
		}

		if err := a.newSession(conn, peers).run(ctx); err != nil && ctx.Err() == nil {
			ui.LogDebug("session with %s ended: %v", remote, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ui.LogInfo("closed socket, listening for new connections")
	}
}

// advertise publishes the bound listening endpoint, including the port the
// OS picked in automatic mode.
func (a *app) advertise(addr net.Addr) *discovery.Presence {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}

	announcement := discovery.Announcement{
		DeviceID: a.cfg.DeviceID,
		Name:     a.cfg.DeviceName,
		Port:     tcpAddr.Port,
		PortMode: a.cfg.PortMode,
	}
	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		announcement.Host = tcpAddr.IP.String()
	}
	presence, err := discovery.Join(announcement, discovery.Options{})
	if err != nil {
		ui.LogWarning("discovery startup failed: %v", err)
		return nil
	}
	ui.LogDebug("advertising %s on port %d (%s)", announcement.Name, announcement.Port, announcement.PortMode)
	go logDiscoveryChanges(presence.Changes())
	return presence
}

// connect dials the configured peer, or one picked from mDNS discovery
// when no address is configured.
func (a *app) connect(ctx context.Context) error {
	address := a.cfg.DialAddress()
	if address == "" {
		if a.cfg.DisableDiscovery {
			return errors.New("no peer address configured: pass -a <address>")
		}
		ui.LogInfo("no peer address configured, browsing the LAN")
		peers, err := discovery.Lookup(ctx, a.cfg.DeviceID, discovery.Options{})
		if err != nil {
			return fmt.Errorf("look up servers: %w", err)
		}
		peer, err := ui.SelectPeer(peers)
		if err != nil {
			return err
		}
		address = peer.Address()
	}

	ui.LogInfo("attempting connection to %s", address)
	conn, err := network.Dial(address, network.DefaultConnectionTimeout, a.connectionOptions())
	if err != nil {
		return err
	}
	return a.newSession(conn, nil).run(ctx)
}

func logDiscoveryChanges(changes <-chan discovery.Change) {
	for change := range changes {
		server := change.Server
		if change.Kind == discovery.ServerLost {
			ui.LogDebug("discovery: server %s lost id=%s", server.Name, server.DeviceID)
			continue
		}
		ui.LogDebug("discovery: server %s %s id=%s addr=%s mode=%s",
			server.Name, change.Kind, server.DeviceID, server.Address(), server.PortMode)
	}
}
