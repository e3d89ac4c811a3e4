package app

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/credo-hq/credo/internal/config"
	"github.com/credo-hq/credo/internal/events"
	"github.com/credo-hq/credo/pkg/types"
)

// speechPCM returns d worth of loud 16 kHz mono samples, well above the
// silence floor.
func speechPCM(d time.Duration) []byte {
	samples := int(d.Seconds() * 16000)
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if i%2 == 0 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

// startIntake launches the queue and registry loops the listeners feed
// into, without binding the API server.
func startIntake(t *testing.T, a *App) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.queue.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.registry.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		a.pipe.Drain()
	})
	return ctx
}

func waitForEvent(t *testing.T, sub *events.Subscriber, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitForDevice(t *testing.T, a *App, transport types.TransportKind) types.Device {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range a.Registry().ListDevices() {
			if d.Transport == transport {
				return d
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s device discovered", transport)
	return types.Device{}
}

func TestStreamListener_UtteranceToReport(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Devices.StreamListen = "127.0.0.1:0"
	})
	ctx := startIntake(t, a)

	var wg sync.WaitGroup
	if err := a.streamL.Start(ctx, &wg); err != nil {
		t.Fatalf("stream listener start: %v", err)
	}

	sub := a.hub.Subscribe("")
	defer sub.Close()

	conn, err := net.Dial("tcp", a.streamL.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("AUDIO_START\n")); err != nil {
		t.Fatalf("write start marker: %v", err)
	}
	if _, err := conn.Write(speechPCM(400 * time.Millisecond)); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	if _, err := conn.Write([]byte("AUDIO_END\n")); err != nil {
		t.Fatalf("write end marker: %v", err)
	}

	ev := waitForEvent(t, sub, events.TypeReportReady)
	rep, ok := ev.Payload.(*types.Report)
	if !ok {
		t.Fatalf("report payload %T", ev.Payload)
	}
	if rep.Credibility == nil || *rep.Credibility != 0 {
		t.Errorf("credibility %v, want 0 for a single contradicted claim", rep.Credibility)
	}

	dev := waitForDevice(t, a, types.TransportStream)
	if dev.ID != "stream-127.0.0.1" {
		t.Errorf("device id %q", dev.ID)
	}
}

func TestChunkedListener_DiscoversAndClosesSession(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Devices.ChunkedListen = "127.0.0.1:0"
	})
	ctx := startIntake(t, a)

	var wg sync.WaitGroup
	if err := a.chunkedL.Start(ctx, &wg); err != nil {
		t.Fatalf("chunked listener start: %v", err)
	}

	sub := a.hub.Subscribe("")
	defer sub.Close()

	conn, err := net.Dial("udp", a.chunkedL.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(p []byte) {
		t.Helper()
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("send packet: %v", err)
		}
	}

	send([]byte("SESSION_OPEN rec-7 16000"))
	waitForDevice(t, a, types.TransportChunked)

	// One timestamped speech frame, then an explicit close.
	pcm := speechPCM(400 * time.Millisecond)
	frame := make([]byte, 4+len(pcm))
	binary.BigEndian.PutUint32(frame[:4], 0)
	copy(frame[4:], pcm)
	send(frame)
	send([]byte("SESSION_CLOSE rec-7"))

	ev := waitForEvent(t, sub, events.TypeSessionClosed)
	sess, ok := ev.Payload.(types.Session)
	if !ok {
		t.Fatalf("session payload %T", ev.Payload)
	}
	if sess.Cause != types.CauseExplicitStop {
		t.Errorf("close cause %s, want %s", sess.Cause, types.CauseExplicitStop)
	}
	if sess.Transport != types.TransportChunked {
		t.Errorf("session transport %s", sess.Transport)
	}
}
