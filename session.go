package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	appcrypto "fileserver/crypto"
	"fileserver/discovery"
	"fileserver/network"
	"fileserver/storage"
	"fileserver/ui"
)

const (
	// pingCount is the number of round trips measured by "rtt".
	pingCount = 100
	// historyLimit caps the rows shown by "history".
	historyLimit = 20
	// speedtestWarmup frames are excluded from the throughput figure.
	speedtestWarmup = 2
)

var errSessionClosed = errors.New("session closed")

const helpText = `share <path>       offer a file or directory
read               handle the next frame from the peer
rtt 1 | rtt 2      measure round trips (one side 1, the other 2)
speedtest in|si    receive a speed test
speedtest out|so   send a speed test
test_send          send a single ping
history            show recent transfers
verify <path>      compare a file against its recorded checksum
peers              list file servers on the LAN
help               show this list
shutdown           close the connection`

// session runs console commands against one connected peer.
type session struct {
	conn      *network.Connection
	transfers *network.TransferManager
	store     *storage.Store
	progress  *ui.Progress
	// peers lists discovered servers; nil falls back to a one-shot browse.
	peers    func(ctx context.Context) ([]discovery.Server, error)
	deviceID string
}

// run reads commands until shutdown, ctx cancellation or a connection
// failure.
func (s *session) run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.progress.Stop()

	ui.LogInfo("connected to %s, type \"help\" for commands", s.conn.RemoteAddr())
	for ctx.Err() == nil {
		line, err := ui.ReadCommand("command")
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		err = s.execute(ctx, line)
		if errors.Is(err, errSessionClosed) {
			return nil
		}
		if err != nil && s.fail(err) {
			return err
		}
	}
	return ctx.Err()
}

// fail logs a command error and reports whether the session has to end.
// Fatal errors close the connection so the peer stops waiting.
func (s *session) fail(err error) bool {
	s.progress.Stop()
	if !connectionLost(err) {
		ui.LogError("%v", err)
		return false
	}
	ui.LogError("connection lost: %v", err)
	_ = s.conn.Close()
	return true
}

// connectionLost reports whether err leaves the stream unusable: transport
// failures and any frame the protocol did not allow at that point.
func connectionLost(err error) bool {
	var (
		ioErr       *network.IOError
		decodeErr   *network.DecodeError
		sequenceErr *network.SequenceError
		orderErr    *network.ChunkOrderError
	)
	switch {
	case errors.As(err, &ioErr), errors.As(err, &decodeErr), errors.As(err, &sequenceErr), errors.As(err, &orderErr):
		return true
	}
	return errors.Is(err, network.ErrPeerClosed) ||
		errors.Is(err, network.ErrFrameTooLarge) ||
		errors.Is(err, network.ErrUnexpectedMessage) ||
		errors.Is(err, network.ErrChunkOrder)
}

// parseCommand splits a console line into a command and its argument.
// Quotes around the argument are dropped.
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	for _, alias := range []struct{ prefix, command string }{
		{"speedtest in", "si"},
		{"speedtest out", "so"},
		{"rtt 1", "rtt1"},
		{"rtt 2", "rtt2"},
	} {
		if line == alias.prefix || strings.HasPrefix(line, alias.prefix+" ") {
			return alias.command, ""
		}
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.Trim(strings.TrimSpace(arg), `"`)
	return strings.ToLower(command), arg
}

func (s *session) execute(ctx context.Context, line string) error {
	command, arg := parseCommand(line)
	switch command {
	case "share":
		if arg == "" {
			return errors.New("share needs a path")
		}
		return s.share(arg)
	case "read":
		return s.read()
	case "rtt1":
		return s.rtt(true)
	case "rtt2":
		return s.rtt(false)
	case "si":
		return s.speedtest(network.SpeedtestIn)
	case "so":
		return s.speedtest(network.SpeedtestOut)
	case "test_send":
		if err := s.conn.SendPing(); err != nil {
			return err
		}
		ui.LogInfo("ping sent")
		return nil
	case "history":
		return s.history()
	case "verify":
		if arg == "" {
			return errors.New("verify needs a path")
		}
		return s.verify(arg)
	case "peers":
		return s.listPeers(ctx)
	case "help":
		fmt.Println(helpText)
		return nil
	case "shutdown":
		if err := s.conn.Close(); err != nil {
			ui.LogDebug("close connection: %v", err)
		}
		return errSessionClosed
	default:
		ui.LogWarning("unknown command %q", command)
		fmt.Println(helpText)
		return nil
	}
}

func (s *session) share(path string) error {
	result, err := s.transfers.Share(s.conn, path)
	if err != nil {
		return err
	}
	logResult("sent", result)
	return nil
}

func (s *session) read() error {
	incoming, err := s.transfers.HandleNext(s.conn)
	if incoming.Transfer != nil {
		logResult("received", *incoming.Transfer)
	}
	if err != nil {
		return err
	}

	switch incoming.MessageID {
	case network.PingID:
		ui.LogInfo("ping received after %s", ui.FormatMillis(incoming.PingAge))
	case network.SpeedID, network.FileChunkID:
		ui.LogInfo("skipped %s frame of %s", network.MessageName(incoming.MessageID), ui.FormatSize(uint64(incoming.Discarded)))
	default:
		if incoming.Unknown {
			ui.LogWarning("skipped unknown frame %d of %s", incoming.MessageID, ui.FormatSize(uint64(incoming.Discarded)))
		}
	}
	return nil
}

func logResult(verb string, result network.TransferResult) {
	switch {
	case result.UpToDate:
		ui.LogInfo("%q is already up to date", result.Name)
	case result.Denied && result.Directory:
		ui.LogInfo("directory upload of %q was cancelled", result.Name)
	case result.Denied:
		ui.LogInfo("%q was denied", result.Name)
	case result.Directory:
		ui.LogInfo("%s %d/%d file(s) of %q, %s in %s", verb, result.FilesAccepted, result.FilesOffered, result.Name, ui.FormatSize(result.Bytes), ui.FormatDuration(result.Elapsed))
	default:
		ui.LogInfo("%s %q, %s in %s", verb, result.Name, ui.FormatSize(result.Bytes), ui.FormatDuration(result.Elapsed))
		if result.Checksum != "" {
			ui.LogDebug("checksum %s", appcrypto.FormatDigest(result.Checksum))
		}
	}
}

func (s *session) rtt(lead bool) error {
	samples, err := s.conn.PingSeries(pingCount, lead, func(i int, rtt time.Duration) {
		ui.LogInfo("%d# RTT: %s", i, ui.FormatMillis(rtt))
	})
	if len(samples) > 0 {
		minimum, average, maximum := summarize(samples)
		ui.LogInfo("RTT min/avg/max: %s / %s / %s", ui.FormatMillis(minimum), ui.FormatMillis(average), ui.FormatMillis(maximum))
	}
	return err
}

func summarize(samples []time.Duration) (minimum, average, maximum time.Duration) {
	var total time.Duration
	minimum = samples[0]
	for _, sample := range samples {
		minimum = min(minimum, sample)
		maximum = max(maximum, sample)
		total += sample
	}
	return minimum, total / time.Duration(len(samples)), maximum
}

func (s *session) speedtest(role network.SpeedtestRole) error {
	result, err := s.conn.RunSpeedtest(role, network.SpeedtestOptions{
		Warmup: speedtestWarmup,
		OnTransfer: func(done int, megabytesPerSecond float64) {
			ui.LogDebug("speedtest %d: %s", done, ui.FormatSpeed(megabytesPerSecond))
		},
	})
	if err != nil {
		return err
	}

	ui.LogInfo("latency %s (RTT %s), start at %s", ui.FormatMillis(result.Latency), ui.FormatMillis(result.RoundTrip), result.StartAt.Format("15:04:05.000"))
	ui.LogInfo("speedtest %s: %d transfer(s), %s in %s, %s",
		result.Role, result.Transfers, ui.FormatSize(result.Bytes), ui.FormatDuration(result.Elapsed), ui.FormatSpeed(result.MegabytesPerSecond))
	return nil
}

func (s *session) history() error {
	if s.store == nil {
		return errors.New("transfer history is unavailable")
	}
	transfers, err := s.store.ListTransfers(storage.TransferFilter{Limit: historyLimit})
	if err != nil {
		return err
	}
	return ui.RenderHistory(transfers)
}

func (s *session) verify(path string) error {
	if s.store == nil {
		return errors.New("transfer history is unavailable")
	}
	digest, err := appcrypto.FileDigest(path)
	if err != nil {
		return err
	}

	recorded, err := s.store.LatestChecksum(filepath.Clean(path))
	if errors.Is(err, storage.ErrNotFound) {
		ui.LogWarning("no checksum recorded for %q; current digest %s", path, appcrypto.FormatDigest(digest))
		return nil
	}
	if err != nil {
		return err
	}

	if recorded != digest {
		return fmt.Errorf("%q changed since its last transfer: recorded %s, now %s", path, appcrypto.ShortDigest(recorded), appcrypto.ShortDigest(digest))
	}
	ui.LogInfo("%q matches its recorded checksum %s", path, appcrypto.ShortDigest(digest))
	return nil
}

func (s *session) listPeers(ctx context.Context) error {
	peers, err := s.discoveredPeers(ctx)
	if err != nil {
		return err
	}
	return ui.RenderPeers(peers)
}

func (s *session) discoveredPeers(ctx context.Context) ([]discovery.Server, error) {
	if s.peers != nil {
		return s.peers(ctx)
	}
	return discovery.Lookup(ctx, s.deviceID, discovery.Options{})
}
