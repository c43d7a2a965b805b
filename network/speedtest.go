package network

import (
	"crypto/rand"
	"fmt"
	"time"
)

// SpeedtestRole selects which side of a speed test this endpoint plays.
type SpeedtestRole int

const (
	// SpeedtestIn receives the measurement payloads.
	SpeedtestIn SpeedtestRole = iota
	// SpeedtestOut sends the measurement payloads.
	SpeedtestOut
)

func (r SpeedtestRole) String() string {
	if r == SpeedtestOut {
		return "out"
	}
	return "in"
}

const (
	// DefaultSpeedtestTransfers is the number of Speed frames per test.
	DefaultSpeedtestTransfers = 100
	// DefaultSpeedtestPacketSize is the payload size of each Speed frame (1 MiB).
	DefaultSpeedtestPacketSize = 1024 * 1024
	// DefaultSpeedtestGuard is added to the receiver clock in SpeedtestSync.
	DefaultSpeedtestGuard = 300 * time.Millisecond
)

// SpeedtestOptions configures RunSpeedtest. Both peers must agree on
// Transfers.
type SpeedtestOptions struct {
	Transfers  int
	PacketSize int
	Guard      time.Duration
	// Warmup excludes this many leading frames from the throughput figure.
	Warmup int
	// OnTransfer is called after every frame with the running throughput in MB/s.
	OnTransfer func(done int, megabytesPerSecond float64)
}

func (o SpeedtestOptions) withDefaults() SpeedtestOptions {
	if o.Transfers <= 0 {
		o.Transfers = DefaultSpeedtestTransfers
	}
	if o.PacketSize <= 0 {
		o.PacketSize = DefaultSpeedtestPacketSize
	}
	if o.Guard <= 0 {
		o.Guard = DefaultSpeedtestGuard
	}
	if o.Warmup < 0 || o.Warmup >= o.Transfers {
		o.Warmup = 0
	}
	if o.OnTransfer == nil {
		o.OnTransfer = func(int, float64) {}
	}
	return o
}

// SpeedtestResult summarizes one speed test run.
type SpeedtestResult struct {
	Role      SpeedtestRole
	RoundTrip time.Duration
	// Latency is the estimated one-way latency, half of RoundTrip.
	Latency time.Duration
	// StartAt is the start instant announced in SpeedtestSync.
	StartAt            time.Time
	Transfers          int
	Bytes              uint64
	Elapsed            time.Duration
	MegabytesPerSecond float64
}

// MeasureRTT sends a Ping stamped with the current time and waits for the
// peer's Ping. The round trip is measured on the local monotonic clock.
func (c *Connection) MeasureRTT() (time.Duration, error) {
	sent := time.Now()
	if err := c.SendPing(); err != nil {
		return 0, err
	}
	if _, err := c.Expect(PingID); err != nil {
		return 0, err
	}
	return time.Since(sent), nil
}

// SendPing writes a Ping stamped with the current time.
func (c *Connection) SendPing() error {
	return c.SendMessage(&Ping{CreationTimeMillis: uint64(time.Now().UnixMilli())})
}

// ReceivePing waits for the peer's Ping and returns how old it was on arrival.
func (c *Connection) ReceivePing() (time.Duration, error) {
	msg, err := c.Expect(PingID)
	if err != nil {
		return 0, err
	}
	ping := msg.(*Ping)
	return time.Since(time.UnixMilli(int64(ping.CreationTimeMillis))), nil
}

// PingSeries measures count round trips. Exactly one peer must lead; the
// other first consumes the leader's opening ping, and the leader finishes
// with a closing ping so both sides end in step.
func (c *Connection) PingSeries(count int, lead bool, fn func(i int, rtt time.Duration)) ([]time.Duration, error) {
	if !lead {
		if _, err := c.ReceivePing(); err != nil {
			return nil, err
		}
	}

	samples := make([]time.Duration, 0, count)
	for i := 0; i < count; i++ {
		rtt, err := c.MeasureRTT()
		if err != nil {
			return samples, err
		}
		samples = append(samples, rtt)
		if fn != nil {
			fn(i, rtt)
		}
	}

	if lead {
		if err := c.SendPing(); err != nil {
			return samples, err
		}
	}
	return samples, nil
}

// RunSpeedtest measures one-way throughput. Both peers run it at the same
// time with opposite roles.
func (c *Connection) RunSpeedtest(role SpeedtestRole, options SpeedtestOptions) (SpeedtestResult, error) {
	opts := options.withDefaults()
	if role == SpeedtestOut {
		return c.speedtestOut(opts)
	}
	return c.speedtestIn(opts)
}

func (c *Connection) speedtestOut(opts SpeedtestOptions) (SpeedtestResult, error) {
	result := SpeedtestResult{Role: SpeedtestOut}

	// The receiver answers the first ping and measures its own round trip
	// against the second.
	if _, err := c.MeasureRTT(); err != nil {
		return result, fmt.Errorf("speedtest latency: %w", err)
	}
	rtt, err := c.MeasureRTT()
	if err != nil {
		return result, fmt.Errorf("speedtest latency: %w", err)
	}
	result.RoundTrip = rtt
	result.Latency = rtt / 2

	msg, err := c.Expect(SpeedtestSyncID)
	if err != nil {
		return result, fmt.Errorf("speedtest sync: %w", err)
	}
	result.StartAt = time.UnixMilli(int64(msg.(*SpeedtestSync).StartTimeMillis))

	payload := make([]byte, opts.PacketSize)
	if _, err := rand.Read(payload); err != nil {
		return result, fmt.Errorf("generate speedtest payload: %w", err)
	}
	frame := &Speed{RandomBytes: payload}

	meter := newThroughputMeter(opts.Warmup)
	for i := 1; i <= opts.Transfers; i++ {
		if err := c.SendMessage(frame); err != nil {
			return result, err
		}
		meter.add(i, len(payload))
		opts.OnTransfer(i, meter.megabytesPerSecond())
	}
	meter.fill(&result, opts.Transfers)
	return result, nil
}

func (c *Connection) speedtestIn(opts SpeedtestOptions) (SpeedtestResult, error) {
	result := SpeedtestResult{Role: SpeedtestIn}

	if _, err := c.ReceivePing(); err != nil {
		return result, fmt.Errorf("speedtest latency: %w", err)
	}
	rtt, err := c.MeasureRTT()
	if err != nil {
		return result, fmt.Errorf("speedtest latency: %w", err)
	}
	if err := c.SendPing(); err != nil {
		return result, fmt.Errorf("speedtest latency: %w", err)
	}
	result.RoundTrip = rtt
	result.Latency = rtt / 2

	result.StartAt = time.Now().Add(opts.Guard)
	if err := c.SendMessage(&SpeedtestSync{StartTimeMillis: uint64(result.StartAt.UnixMilli())}); err != nil {
		return result, fmt.Errorf("speedtest sync: %w", err)
	}
	// The sender starts as soon as the sync arrives, one latency from now.
	time.Sleep(result.Latency)

	meter := newThroughputMeter(opts.Warmup)
	for i := 1; i <= opts.Transfers; i++ {
		header, err := c.ReceiveHeader()
		if err != nil {
			return result, err
		}
		if header.ID != SpeedID {
			_ = c.CloseRead()
			return result, &SequenceError{Want: SpeedID, Got: header.ID}
		}
		if err := c.Discard(header.Length); err != nil {
			return result, err
		}
		meter.add(i, int(header.Length))
		opts.OnTransfer(i, meter.megabytesPerSecond())
	}
	meter.fill(&result, opts.Transfers)
	return result, nil
}

// throughputMeter accumulates bytes after an optional warm-up period.
type throughputMeter struct {
	warmup  int
	started time.Time
	bytes   uint64
}

func newThroughputMeter(warmup int) *throughputMeter {
	return &throughputMeter{warmup: warmup, started: time.Now()}
}

func (t *throughputMeter) add(i int, n int) {
	if i <= t.warmup {
		if i == t.warmup {
			t.started = time.Now()
		}
		return
	}
	t.bytes += uint64(n)
}

func (t *throughputMeter) elapsed() time.Duration {
	return time.Since(t.started)
}

func (t *throughputMeter) megabytesPerSecond() float64 {
	seconds := t.elapsed().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(t.bytes) / 1_000_000 / seconds
}

func (t *throughputMeter) fill(result *SpeedtestResult, transfers int) {
	result.Transfers = transfers - t.warmup
	result.Bytes = t.bytes
	result.Elapsed = t.elapsed()
	result.MegabytesPerSecond = t.megabytesPerSecond()
}
