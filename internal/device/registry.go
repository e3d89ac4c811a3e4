package device

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/pkg/audio"
	"github.com/credo-hq/credo/pkg/types"
)

const (
	confidenceDiscovered = 40
	confidenceConnect    = 10
	confidenceFraming    = 15
	confidenceCadence    = 20
	confidenceError      = -10

	// cadenceStreak is how many in-jitter chunked frames in a row earn the
	// steady-cadence confidence bump.
	cadenceStreak = 20
)

// Registry tracks edge recorders and owns their reader workers. All state
// mutations run on the actor goroutine; ListDevices reads a published
// snapshot without locking.
type Registry struct {
	cfg  Config
	sink Sink

	cmds chan func()
	snap atomic.Pointer[[]types.Device]

	// Actor-owned. Only the Run goroutine touches these.
	devices map[string]*entry
	active  string
	runCtx  context.Context
}

type entry struct {
	dev       types.Device
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRegistry creates a registry delivering finalized utterances to sink.
func NewRegistry(cfg Config, sink Sink) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:     cfg,
		sink:    sink,
		cmds:    make(chan func(), 64),
		devices: make(map[string]*entry),
	}
	r.snap.Store(&[]types.Device{})
	return r
}

// Run is the actor loop. It returns when ctx is canceled, after stopping
// every reader worker.
func (r *Registry) Run(ctx context.Context) {
	r.runCtx = ctx
	sweep := time.NewTicker(r.cfg.GracePeriod / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, e := range r.devices {
				if e.cancel != nil {
					e.cancel()
				}
			}
			// Keep serving posts while workers wind down, or a worker
			// blocked on the command channel would never exit.
			for _, e := range r.devices {
				for e.done != nil {
					select {
					case <-e.done:
						e.done = nil
					case fn := <-r.cmds:
						fn()
					}
				}
			}
			return
		case fn := <-r.cmds:
			fn()
		case <-sweep.C:
			r.sweepUnreachable()
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (r *Registry) do(fn func() error) error {
	reply := make(chan error, 1)
	r.cmds <- func() { reply <- fn() }
	return <-reply
}

// post runs fn on the actor goroutine without waiting.
func (r *Registry) post(fn func()) {
	r.cmds <- fn
}

// Discover registers a recorder endpoint with its transport. Re-discovery
// of a known id only refreshes the last-seen timestamp.
func (r *Registry) Discover(id, name string, transport Transport) error {
	return r.do(func() error {
		if e, ok := r.devices[id]; ok {
			e.dev.LastSeen = time.Now().UTC()
			r.publish()
			return nil
		}
		r.devices[id] = &entry{
			dev: types.Device{
				ID:         id,
				Name:       name,
				Transport:  transport.Kind(),
				Confidence: confidenceDiscovered,
				State:      types.DeviceDiscovered,
				LastSeen:   time.Now().UTC(),
			},
			transport: transport,
		}
		r.publish()
		observe.DefaultMetrics().ActiveDevices.Add(context.Background(), 1)
		slog.Info("device discovered", "device_id", id, "transport", transport.Kind())
		return nil
	})
}

// ListDevices returns a consistent snapshot of all known devices.
func (r *Registry) ListDevices() []types.Device {
	return *r.snap.Load()
}

// Connect attaches the reader worker; discovered → connected. Connecting
// an attached device fails with transport_busy semantics (conflict).
// The worker outlives the call: its lifetime is the registry's, not the
// caller's.
func (r *Registry) Connect(id string) error {
	return r.do(func() error {
		e, ok := r.devices[id]
		if !ok {
			return fault.New(fault.KindNotFound, "device %s not found", id)
		}
		if e.cancel != nil {
			return fault.New(fault.KindConflict, "device %s transport busy", id)
		}
		base := r.runCtx
		if base == nil {
			base = context.Background()
		}
		workerCtx, cancel := context.WithCancel(base)
		e.cancel = cancel
		e.done = make(chan struct{})
		go r.runReader(workerCtx, id, e.transport, e.done)
		return nil
	})
}

// Disconnect detaches the reader and cancels any outstanding session.
// Idempotent.
func (r *Registry) Disconnect(id string) error {
	var done chan struct{}
	err := r.do(func() error {
		e, ok := r.devices[id]
		if !ok {
			return fault.New(fault.KindNotFound, "device %s not found", id)
		}
		if e.cancel != nil {
			e.cancel()
			done = e.done
			e.cancel = nil
			e.done = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if done != nil {
		<-done
	}
	r.post(func() {
		if e, ok := r.devices[id]; ok {
			e.dev.State = types.DeviceDisconnected
			r.publish()
		}
	})
	return nil
}

// SelectActive marks one device as the implicit target for endpoints that
// name none. Presentation convenience only.
func (r *Registry) SelectActive(id string) error {
	return r.do(func() error {
		if _, ok := r.devices[id]; !ok {
			return fault.New(fault.KindNotFound, "device %s not found", id)
		}
		r.active = id
		return nil
	})
}

// ActiveDevice returns the implicitly selected device id, empty when none.
func (r *Registry) ActiveDevice() string {
	var id string
	r.do(func() error {
		id = r.active
		return nil
	})
	return id
}

// publish rebuilds the reader snapshot. Actor goroutine only.
func (r *Registry) publish() {
	out := make([]types.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	r.snap.Store(&out)
}

func (r *Registry) sweepUnreachable() {
	cutoff := time.Now().UTC().Add(-r.cfg.GracePeriod)
	changed := false
	for id, e := range r.devices {
		if e.dev.State == types.DeviceDisconnected && e.cancel == nil && e.dev.LastSeen.Before(cutoff) {
			delete(r.devices, id)
			changed = true
			observe.DefaultMetrics().ActiveDevices.Add(context.Background(), -1)
			slog.Info("device removed after grace period", "device_id", id)
		}
	}
	if changed {
		r.publish()
	}
}

func (r *Registry) setState(id string, state types.DeviceState) {
	r.post(func() {
		if e, ok := r.devices[id]; ok {
			e.dev.State = state
			e.dev.LastSeen = time.Now().UTC()
			r.publish()
		}
	})
}

func (r *Registry) bumpConfidence(id string, delta int) {
	r.post(func() {
		e, ok := r.devices[id]
		if !ok {
			return
		}
		e.dev.Confidence += delta
		if e.dev.Confidence > 100 {
			e.dev.Confidence = 100
		}
		if e.dev.Confidence < 0 {
			e.dev.Confidence = 0
		}
		r.publish()
	})
}

// runReader is the per-device transport worker: open, demultiplex frames
// into sessions, and reconnect with capped exponential backoff on
// transport errors.
func (r *Registry) runReader(ctx context.Context, id string, tr Transport, done chan struct{}) {
	defer close(done)
	defer tr.Close()

	backoff := time.Second
	for ctx.Err() == nil {
		if err := tr.Open(ctx); err != nil {
			slog.Warn("transport open failed", "device_id", id, "error", err, "retry_in", backoff)
			r.setState(id, types.DeviceDisconnected)
			r.bumpConfidence(id, confidenceError)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, r.cfg.BackoffCap)
			continue
		}
		backoff = time.Second
		r.setState(id, types.DeviceConnected)
		r.bumpConfidence(id, confidenceConnect)

		err := r.demux(ctx, id, tr)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("transport error, reconnecting", "device_id", id, "error", err, "retry_in", backoff)
		r.setState(id, types.DeviceDisconnected)
		r.bumpConfidence(id, confidenceError)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, r.cfg.BackoffCap)
	}
}

// demux routes one connection's frames until a transport error. The local
// session pointer makes the worker the ring's single writer.
func (r *Registry) demux(ctx context.Context, id string, tr Transport) error {
	cfg := r.cfg
	var (
		sess        *session
		sawStart    bool
		lastTS      time.Duration
		lastPCMDur  time.Duration
		inJitterRun int
		cadenceSeen bool
	)
	closeSession := func(cause types.SessionCause) {
		if sess == nil {
			return
		}
		sess.Close(cause)
		sess = nil
		observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)
		r.setState(id, types.DeviceConnected)
	}
	defer closeSession(types.CauseDisconnect)

	openSession := func(cause types.SessionCause) {
		if sess != nil {
			closeSession(cause)
		}
		sess = newSession(ctx, id, tr.Kind(), cfg, r.sink)
		observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
		lastTS, lastPCMDur, inJitterRun = 0, 0, 0
		r.setState(id, types.DeviceRecording)
		if !sawStart {
			sawStart = true
			r.bumpConfidence(id, confidenceFraming)
		}
	}

	for {
		f, err := tr.ReadFrame(ctx)
		if err != nil {
			if fault.IsKind(err, fault.KindCanceled) {
				return err
			}
			closeSession(types.CauseTransportError)
			return err
		}

		// The session may have self-closed on its duration bound.
		if sess != nil {
			select {
			case <-sess.Done():
				sess = nil
				observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)
				r.setState(id, types.DeviceConnected)
			default:
			}
		}

		if f.Control != "" {
			token, args := splitControl(f.Control)
			switch token {
			case MarkerAudioStart, CtrlSessionOpen:
				if rate, ok := controlSampleRate(args); ok {
					cfg.SampleRate = rate
				}
				openSession(types.CauseImplicitRestart)
			case MarkerAudioEnd, CtrlSessionClose:
				closeSession(types.CauseExplicitStop)
			default:
				slog.Debug("unknown control token", "device_id", id, "token", token)
			}
			continue
		}

		if sess == nil {
			// PCM outside a session envelope is discarded.
			continue
		}
		if tr.Kind() == types.TransportChunked {
			expected := lastTS + lastPCMDur
			if lastPCMDur > 0 && f.Timestamp > expected+cfg.MaxJitter {
				closeSession(types.CauseGapExceeded)
				continue
			}
			if lastPCMDur > 0 {
				inJitterRun++
				if !cadenceSeen && inJitterRun >= cadenceStreak {
					cadenceSeen = true
					r.bumpConfidence(id, confidenceCadence)
				}
			}
			lastTS = f.Timestamp
			lastPCMDur = audio.Duration(len(f.PCM), cfg.SampleRate)
		}
		sess.Append(f.PCM)
	}
}

func splitControl(ctrl string) (token string, args []string) {
	fields := strings.Fields(ctrl)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// controlSampleRate extracts a sample-rate argument from a SESSION_OPEN
// control message ("SESSION_OPEN <device_id> <rate>").
func controlSampleRate(args []string) (int, bool) {
	for _, a := range args {
		if rate, err := strconv.Atoi(a); err == nil && rate >= 8000 && rate <= 48000 {
			return rate, true
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
