package network

import (
	"errors"
	"net"
	"testing"
	"time"
)

// delayedConn holds back ping and sync frames to simulate one-way latency.
type delayedConn struct {
	net.Conn
	delay time.Duration
}

func (c *delayedConn) Write(p []byte) (int, error) {
	if len(p) == HeaderSize+timestampSize {
		time.Sleep(c.delay)
	}
	return c.Conn.Write(p)
}

type speedtestOutcome struct {
	result SpeedtestResult
	err    error
}

func TestSpeedtestWithSimulatedLatency(t *testing.T) {
	const oneWay = 20 * time.Millisecond

	left, right := net.Pipe()
	options := ConnectionOptions{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	out := NewConnection(&delayedConn{Conn: left, delay: oneWay}, options)
	in := NewConnection(&delayedConn{Conn: right, delay: oneWay}, options)
	t.Cleanup(func() {
		_ = out.Close()
		_ = in.Close()
	})

	speedOptions := SpeedtestOptions{Transfers: 8, PacketSize: 64 * 1024, Warmup: 2}

	outDone := make(chan speedtestOutcome, 1)
	go func() {
		result, err := out.RunSpeedtest(SpeedtestOut, speedOptions)
		outDone <- speedtestOutcome{result: result, err: err}
	}()

	var reported int
	inOptions := speedOptions
	inOptions.OnTransfer = func(done int, _ float64) {
		reported = done
	}
	began := time.Now()
	inResult, err := in.RunSpeedtest(SpeedtestIn, inOptions)
	if err != nil {
		t.Fatalf("RunSpeedtest(in) failed: %v", err)
	}
	total := time.Since(began)

	outcome := <-outDone
	if outcome.err != nil {
		t.Fatalf("RunSpeedtest(out) failed: %v", outcome.err)
	}

	if inResult.Latency < oneWay {
		t.Fatalf("expected latency estimate >= %s, got %s", oneWay, inResult.Latency)
	}
	if outcome.result.Latency < oneWay {
		t.Fatalf("expected sender latency estimate >= %s, got %s", oneWay, outcome.result.Latency)
	}
	if reported != 8 {
		t.Fatalf("expected 8 transfer callbacks, got %d", reported)
	}
	if inResult.Transfers != 6 || inResult.Bytes != 6*64*1024 {
		t.Fatalf("unexpected receiver totals %+v", inResult)
	}
	if outcome.result.Bytes != inResult.Bytes {
		t.Fatalf("sender counted %d bytes, receiver %d", outcome.result.Bytes, inResult.Bytes)
	}
	if inResult.Elapsed <= 0 || inResult.Elapsed >= total-inResult.Latency {
		t.Fatalf("expected measurement to exclude the sync sleep, elapsed %s of %s", inResult.Elapsed, total)
	}
	if inResult.MegabytesPerSecond <= 0 {
		t.Fatalf("expected positive throughput, got %f", inResult.MegabytesPerSecond)
	}
	if outcome.result.StartAt.UnixMilli() != inResult.StartAt.UnixMilli() {
		t.Fatalf("expected both sides to agree on the start instant")
	}
}

func TestSpeedtestRejectsUnexpectedFrame(t *testing.T) {
	sender, receiver := connectionPair(t)

	go func() {
		_ = sender.SendPing()
		if _, err := sender.Expect(PingID); err != nil {
			return
		}
		_ = sender.SendPing()
		_, _ = sender.Expect(PingID)
		_, _ = sender.Expect(SpeedtestSyncID)
		_ = sender.SendMessage(&Ping{CreationTimeMillis: 1})
	}()

	_, err := receiver.RunSpeedtest(SpeedtestIn, SpeedtestOptions{Transfers: 1, PacketSize: 16})
	var sequenceErr *SequenceError
	if err == nil || !errors.As(err, &sequenceErr) || sequenceErr.Want != SpeedID {
		t.Fatalf("expected sequence error waiting for Speed, got %v", err)
	}
}

func TestThroughputMeterExcludesWarmup(t *testing.T) {
	meter := newThroughputMeter(1)
	meter.add(1, 1000)
	meter.add(2, 500)
	meter.add(3, 500)

	var result SpeedtestResult
	meter.fill(&result, 3)
	if result.Bytes != 1000 || result.Transfers != 2 {
		t.Fatalf("unexpected meter totals %+v", result)
	}
}
