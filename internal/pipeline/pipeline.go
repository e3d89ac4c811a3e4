// Package pipeline chains the processing stages behind the device mux:
// finalized utterances are transcribed on the gpu job class, then claims
// are extracted, validated, and aggregated into a report on the llm class.
// Every milestone publishes to the event hub, and failures in one
// utterance never stall the next.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/credo-hq/credo/internal/audiostore"
	"github.com/credo-hq/credo/internal/claim"
	"github.com/credo-hq/credo/internal/device"
	"github.com/credo-hq/credo/internal/events"
	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/internal/report"
	"github.com/credo-hq/credo/internal/transcribe"
	"github.com/credo-hq/credo/internal/validate"
	"github.com/credo-hq/credo/pkg/types"
)

var _ device.Sink = (*Pipeline)(nil)

// Deps collects the stage implementations the pipeline chains together.
// Reports, Audio, and Hub may be nil; the corresponding step is skipped.
type Deps struct {
	Queue      *queue.Queue
	Transcribe *transcribe.Stage
	Extract    *claim.Extractor
	Validate   *validate.Validator
	Aggregate  *report.Aggregator
	Reports    *report.Store
	Audio      *audiostore.Store
	Hub        *events.Hub
}

// Pipeline implements device.Sink and drives utterances end to end.
// Cancellation rides on the queue: shutting the queue down cancels the
// jobs the in-flight goroutines are waiting on.
type Pipeline struct {
	d  Deps
	wg sync.WaitGroup

	mu      sync.Mutex
	pending map[string]int // device id -> in-flight utterances
}

// New builds a pipeline over the given stages.
func New(d Deps) *Pipeline {
	return &Pipeline{d: d, pending: make(map[string]int)}
}

// Drain blocks until all in-flight utterances have been processed.
func (p *Pipeline) Drain() {
	p.wg.Wait()
}

// PendingForDevice reports how many of a device's utterances are still
// working through the chain. The device mux reads this to pause
// finalization when a recorder outruns the models.
func (p *Pipeline) PendingForDevice(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[deviceID]
}

func (p *Pipeline) trackDevice(deviceID string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[deviceID] += delta
	if p.pending[deviceID] <= 0 {
		delete(p.pending, deviceID)
	}
}

// UtteranceReady implements device.Sink. It enqueues transcription and
// returns; the rest of the chain runs on its own goroutine so the mux
// never waits on a model.
func (p *Pipeline) UtteranceReady(_ context.Context, sess types.Session, utt types.Utterance, pcm []byte) {
	if p.d.Audio != nil {
		// Persist before transcribing so the payload survives a crash
		// and failed utterances can be replayed.
		if err := p.d.Audio.SaveUtterance(&utt, pcm); err != nil {
			slog.Error("audio persist failed",
				"session_id", sess.ID, "utterance_id", utt.ID, "err", err)
			p.warn(sess.ID, fmt.Sprintf("audio of utterance %s not persisted: %v", utt.ID, err))
		}
	}

	pend, err := p.d.Transcribe.Submit(utt, pcm, queue.PriorityNormal)
	if err != nil {
		slog.Error("transcription submit failed",
			"session_id", sess.ID, "utterance_id", utt.ID, "kind", fault.KindOf(err), "err", err)
		p.warn(sess.ID, fmt.Sprintf("utterance %s dropped: %v", utt.ID, err))
		return
	}

	p.wg.Add(1)
	p.trackDevice(sess.DeviceID, 1)
	go func() {
		defer p.wg.Done()
		defer p.trackDevice(sess.DeviceID, -1)
		p.process(sess, utt, pend)
	}()
}

// SessionClosed implements device.Sink.
func (p *Pipeline) SessionClosed(_ context.Context, sess types.Session) {
	p.publish(events.Event{
		Type:      events.TypeSessionClosed,
		SessionID: sess.ID,
		Payload:   sess,
	})
}

func (p *Pipeline) process(sess types.Session, utt types.Utterance, pend *transcribe.Pending) {
	tr, err := pend.Result()
	if err != nil {
		if fault.IsKind(err, fault.KindCanceled) {
			return
		}
		slog.Error("transcription failed",
			"session_id", sess.ID, "utterance_id", utt.ID, "kind", fault.KindOf(err), "err", err)
		p.warn(sess.ID, fmt.Sprintf("transcription of utterance %s failed: %v", utt.ID, err))
		return
	}

	p.publish(events.Event{
		Type:      events.TypeTranscriptFinal,
		SessionID: sess.ID,
		Payload:   tr,
	})
	if strings.TrimSpace(tr.Text) == "" {
		return
	}

	h, err := p.d.Queue.Submit(queue.Job{
		Name:     "analyze " + tr.ID,
		Class:    queue.ClassLLM,
		Priority: queue.PriorityNormal,
		Run: func(jobCtx context.Context, progress func(int)) error {
			return p.analyze(jobCtx, sess, tr, progress)
		},
	})
	if err != nil {
		slog.Error("analysis submit failed", "transcript_id", tr.ID, "kind", fault.KindOf(err), "err", err)
		p.warn(sess.ID, fmt.Sprintf("analysis of transcript %s dropped: %v", tr.ID, err))
		return
	}
	if err := h.Err(); err != nil && !fault.IsKind(err, fault.KindCanceled) {
		slog.Error("analysis failed", "transcript_id", tr.ID, "kind", fault.KindOf(err), "err", err)
		p.warn(sess.ID, fmt.Sprintf("analysis of transcript %s failed: %v", tr.ID, err))
	}
}

// analyze runs extraction, validation, and report assembly for one
// transcript. A failed validation degrades that claim; it does not abort
// the report.
func (p *Pipeline) analyze(ctx context.Context, sess types.Session, tr *types.Transcript, progress func(int)) error {
	rep, err := p.runAnalysis(ctx, sess.ID, sess.Warnings, tr, progress)
	if err != nil {
		return err
	}
	if p.d.Reports != nil {
		if err := p.d.Reports.Save(rep); err != nil {
			slog.Error("report persist failed", "report_id", rep.ID, "err", err)
		}
	}
	p.publish(events.Event{
		Type:      events.TypeReportReady,
		SessionID: sess.ID,
		Payload:   rep,
	})
	progress(100)
	return nil
}

// runAnalysis is the extraction → validation → aggregation chain shared by
// the live pipeline and the interactive transcript endpoint.
func (p *Pipeline) runAnalysis(ctx context.Context, sessionID string, warnings []string, tr *types.Transcript, progress func(int)) (*types.Report, error) {
	claims, err := p.d.Extract.Extract(ctx, tr)
	if err != nil {
		return nil, err
	}
	progress(20)
	for _, c := range claims {
		p.publish(events.Event{
			Type:      events.TypeClaimExtracted,
			SessionID: sessionID,
			Payload:   c,
		})
	}

	validations := make(map[string]*types.Validation)
	var factSeen, factDone int
	for _, c := range claims {
		if c.Kind == types.ClaimFact {
			factSeen++
		}
	}
	for _, c := range claims {
		if c.Kind != types.ClaimFact {
			continue
		}
		val, err := p.d.Validate.Validate(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.KindCanceled, ctx.Err(), "analysis of %s", tr.ID)
			}
			slog.Warn("claim validation failed",
				"claim_id", c.ID, "kind", fault.KindOf(err), "err", err)
			p.warn(sessionID, fmt.Sprintf("validation of claim %q failed: %v", excerptFor(c.Text), err))
			continue
		}
		validations[c.ID] = val
		p.publish(events.Event{
			Type:      events.TypeValidationResult,
			SessionID: sessionID,
			Payload:   val,
		})
		factDone++
		progress(20 + 70*factDone/factSeen)
	}

	return p.d.Aggregate.Build(ctx, report.Input{
		Transcript:      tr,
		Claims:          claims,
		Validations:     validations,
		SessionWarnings: warnings,
	}), nil
}

// ValidateClaim runs one interactive validation at high priority and
// waits for the verdict. The server's validate endpoint calls this.
// Optional profile ids narrow retrieval to material linked to them.
func (p *Pipeline) ValidateClaim(ctx context.Context, c types.Claim, profiles ...string) (*types.Validation, error) {
	var out *types.Validation
	h, err := p.d.Queue.Submit(queue.Job{
		Name:     "validate " + c.ID,
		Class:    queue.ClassLLM,
		Priority: queue.PriorityHigh,
		Run: func(jobCtx context.Context, _ func(int)) error {
			val, err := p.d.Validate.ValidateScoped(jobCtx, c, profiles)
			if err != nil {
				return err
			}
			out = val
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		p.d.Queue.Cancel(h.ID)
		<-h.Done()
		return nil, fault.Wrap(fault.KindCanceled, ctx.Err(), "validate %s", c.ID)
	case <-h.Done():
	}
	if err := h.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateTranscript runs the full extraction and validation chain over a
// caller-supplied transcript at high priority, returning the assembled
// report. The server's transcript endpoint calls this; the report is
// persisted like any pipeline-produced one.
func (p *Pipeline) ValidateTranscript(ctx context.Context, tr *types.Transcript) (*types.Report, error) {
	var out *types.Report
	h, err := p.d.Queue.Submit(queue.Job{
		Name:     "validate transcript " + tr.ID,
		Class:    queue.ClassLLM,
		Priority: queue.PriorityHigh,
		Run: func(jobCtx context.Context, progress func(int)) error {
			rep, err := p.runAnalysis(jobCtx, tr.ID, nil, tr, progress)
			if err != nil {
				return err
			}
			out = rep
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		p.d.Queue.Cancel(h.ID)
		<-h.Done()
		return nil, fault.Wrap(fault.KindCanceled, ctx.Err(), "validate transcript %s", tr.ID)
	case <-h.Done():
	}
	if err := h.Err(); err != nil {
		return nil, err
	}
	if p.d.Reports != nil {
		if err := p.d.Reports.Save(out); err != nil {
			slog.Error("report persist failed", "report_id", out.ID, "err", err)
		}
	}
	return out, nil
}

func (p *Pipeline) warn(sessionID, msg string) {
	p.publish(events.Event{
		Type:      events.TypeWarning,
		SessionID: sessionID,
		Payload:   msg,
	})
}

func (p *Pipeline) publish(ev events.Event) {
	if p.d.Hub == nil {
		return
	}
	p.d.Hub.Publish(ev)
}

func excerptFor(text string) string {
	if len(text) <= 60 {
		return text
	}
	return text[:60] + "…"
}
