package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/call"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/mailer"
)

// OnRedirectRequest implements the AI session hook for a matched
// redirection phrase.
func (o *Orchestrator) OnRedirectRequest(callID, phrase string) {
	o.RedirectToQueue(callID, phrase)
}

// OnTerminateRequest implements the AI session hook for a matched
// terminate phrase.
func (o *Orchestrator) OnTerminateRequest(callID, phrase string) {
	o.TerminateAfterPlayback(callID, phrase)
}

// RedirectToQueue hands the live SIP leg off into the dialplan queue and
// tears down the media path. Every step is best-effort: a failing step
// is logged and the next one still runs. The SIP leg survives; the
// ordinary leg-end cleanup later skips its hangup and the transcript
// email.
func (o *Orchestrator) RedirectToQueue(callID, phrase string) {
	if o.cfg.RedirectionQueue == "" {
		slog.Warn("[Orchestrator] Redirect requested but no queue configured", "call_id", callID)
		return
	}

	c, ok := o.reg.Get(callID)
	if !ok {
		slog.Info("[Orchestrator] Redirect for unknown call dropped", "call_id", callID)
		return
	}

	c.Mu.Lock()
	if c.Redirecting || c.Cleaned || c.TerminateAfterPlayback {
		c.Mu.Unlock()
		slog.Info("[Orchestrator] Redirect skipped",
			"call_id", callID, "redirecting", c.Redirecting, "terminate_armed", c.TerminateAfterPlayback)
		return
	}
	c.Redirecting = true
	externalLeg := c.ExternalLegID
	bridgeID := c.BridgeID
	sender := c.Sender
	receiver := c.Receiver
	session := c.Session
	port := c.RTPPort
	c.Mu.Unlock()

	slog.Info("[Orchestrator] Redirecting to queue",
		"call_id", callID, "queue", o.cfg.RedirectionQueue, "phrase", phrase)

	ctx := context.Background()

	if sender != nil {
		sender.End()
	}
	if session != nil {
		closeCtx, cancel := context.WithTimeout(ctx, wsCloseSettle)
		if err := session.Close(closeCtx); err != nil {
			slog.Warn("[Orchestrator] WebSocket close failed during redirect", "call_id", callID, "error", err)
		}
		cancel()
	}

	if externalLeg != "" {
		o.reg.IgnoreExternal(externalLeg, ignoreExternalTTL)
		if err := o.pbx.Hangup(ctx, externalLeg); err != nil {
			slog.Warn("[Orchestrator] External leg hangup failed during redirect", "call_id", callID, "error", err)
		}
	}

	if err := o.pbx.DestroyBridge(ctx, bridgeID); err != nil {
		slog.Warn("[Orchestrator] Bridge destroy failed during redirect", "call_id", callID, "error", err)
	}

	if receiver != nil {
		receiver.Close()
	}
	if sender != nil {
		sender.Close()
	}
	o.pool.Release(port)

	// The record stays registered until the SIP leg leaves the queue,
	// which can take minutes; drop media ownership now so the eventual
	// cleanup cannot release a port a newer call has since acquired.
	c.Mu.Lock()
	c.RTPPort = 0
	c.Receiver = nil
	c.Sender = nil
	c.Mu.Unlock()

	// Try dialplan contexts in preference order; first success wins.
	contexts := make([]string, 0, 3)
	if o.cfg.RedirectionQueueContext != "" {
		contexts = append(contexts, o.cfg.RedirectionQueueContext)
	}
	contexts = append(contexts, "ext-queues", "from-internal")

	redirected := false
	for _, dialCtx := range contexts {
		if err := o.pbx.ContinueInDialplan(ctx, callID, dialCtx, o.cfg.RedirectionQueue, 1); err != nil {
			slog.Warn("[Orchestrator] Continue in dialplan failed",
				"call_id", callID, "context", dialCtx, "error", err)
			continue
		}
		slog.Info("[Orchestrator] Call continued into dialplan",
			"call_id", callID, "context", dialCtx, "extension", o.cfg.RedirectionQueue)
		redirected = true
		break
	}

	if !redirected {
		slog.Error("[Orchestrator] All dialplan contexts failed, hanging up", "call_id", callID)
		if err := o.pbx.Hangup(ctx, callID); err != nil {
			slog.Warn("[Orchestrator] Last-resort hangup failed", "call_id", callID, "error", err)
		}
	}
}

// TerminateAfterPlayback arms post-drain teardown after an assistant
// farewell. Cleanup runs once the sender reports the drain edge, or
// after the fallback timeout, whichever comes first. Idempotent; a call
// already redirecting or cleaned is left alone.
func (o *Orchestrator) TerminateAfterPlayback(callID, phrase string) {
	c, ok := o.reg.Get(callID)
	if !ok {
		slog.Info("[Orchestrator] Terminate for unknown call dropped", "call_id", callID)
		return
	}

	c.Mu.Lock()
	if c.Redirecting || c.Cleaned || c.TerminateAfterPlayback {
		c.Mu.Unlock()
		return
	}
	c.TerminateAfterPlayback = true
	sender := c.Sender
	c.Mu.Unlock()

	reason := call.ReasonAssistantTerminate(phrase)

	// Independent backstop: if the call is still registered when the
	// watchdog fires, it starts the cleanup. A cleanup already in flight
	// is joined, not restarted.
	if o.cfg.TerminateWatchdog > 0 {
		time.AfterFunc(o.cfg.TerminateWatchdog, func() {
			if o.reg.IsRegistered(callID) {
				slog.Warn("[Orchestrator] Terminate watchdog fired", "call_id", callID)
				o.Cleanup(callID, reason)
			}
		})
	}

	o.drainMu.Lock()
	drained := o.drainCh[callID]
	o.drainMu.Unlock()

	// Drop any drain edge left over from an earlier response; only the
	// farewell's own drain may release the wait below. A drain racing
	// this flush leaves the queue empty and takes the immediate path.
	if drained != nil {
		select {
		case <-drained:
		default:
		}
	}

	if sender == nil || sender.QueueEmpty() {
		slog.Info("[Orchestrator] Terminate with empty queue, cleaning up now", "call_id", callID)
		go o.Cleanup(callID, reason)
		return
	}

	slog.Info("[Orchestrator] Terminate armed, waiting for playback drain",
		"call_id", callID, "phrase", phrase)

	go func() {
		timer := time.NewTimer(o.cfg.TerminateFallback)
		defer timer.Stop()
		select {
		case <-drained:
			slog.Info("[Orchestrator] Playback drained", "call_id", callID)
		case <-timer.C:
			slog.Warn("[Orchestrator] Drain fallback elapsed", "call_id", callID)
		}
		o.Cleanup(callID, reason)
	}()
}

// Cleanup releases every resource a call holds. It is idempotent and
// serialized: the first caller for a call id runs the sequence, later
// callers block until it completes and then return. Every step wraps
// its own failure so one failing step never blocks the rest.
func (o *Orchestrator) Cleanup(callID string, reason call.Reason) {
	done, first := o.reg.BeginCleanup(callID)
	if !first {
		<-done
		return
	}
	defer o.reg.FinishCleanup(callID)

	c, ok := o.reg.Get(callID)
	if !ok {
		return
	}

	c.Mu.Lock()
	if c.Cleaned {
		c.Mu.Unlock()
		return
	}
	c.Cleaned = true
	c.StopTimers()
	externalLeg := c.ExternalLegID
	bridgeID := c.BridgeID
	redirecting := c.Redirecting
	sender := c.Sender
	receiver := c.Receiver
	session := c.Session
	port := c.RTPPort
	caller := c.CallerIdentity
	transcriptPath := c.TranscriptPath
	c.Mu.Unlock()

	slog.Info("[Orchestrator] Cleanup started",
		"call_id", callID, "reason", string(reason), "redirecting", redirecting)

	ctx := context.Background()

	if externalLeg != "" {
		o.reg.IgnoreExternal(externalLeg, ignoreExternalTTL)
	}

	if sender != nil {
		sender.End()
	}

	if session != nil {
		closeCtx, cancel := context.WithTimeout(ctx, wsCloseSettle)
		if err := session.Close(closeCtx); err != nil {
			slog.Warn("[Orchestrator] WebSocket close failed", "call_id", callID, "error", err)
		}
		cancel()
	}

	if externalLeg != "" {
		if err := o.pbx.Hangup(ctx, externalLeg); err != nil {
			slog.Warn("[Orchestrator] External leg hangup failed", "call_id", callID, "error", err)
		}
	}

	if bridgeID != "" {
		if err := o.pbx.DestroyBridge(ctx, bridgeID); err != nil {
			slog.Warn("[Orchestrator] Bridge destroy failed", "call_id", callID, "error", err)
		}
	}

	if !redirecting {
		if err := o.pbx.Hangup(ctx, callID); err != nil {
			slog.Warn("[Orchestrator] SIP leg hangup failed", "call_id", callID, "error", err)
		}
	}

	if receiver != nil {
		receiver.Close()
	}
	if sender != nil {
		sender.Close()
	}

	if port != 0 {
		o.pool.Release(port)
	}

	if externalLeg != "" {
		o.reg.UnmapExternal(externalLeg)
	}

	if o.cfg.Email.Enabled && !redirecting {
		mailCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := o.mailer.SendTranscript(mailCtx, mailer.Notification{
			CallID:         callID,
			CallerIdentity: caller,
			FilePath:       transcriptPath,
			Reason:         string(reason),
		})
		cancel()
		if err != nil {
			slog.Warn("[Orchestrator] Transcript email failed", "call_id", callID, "error", err)
		}
	}

	o.reg.Remove(callID)
	o.dropDrain(callID)

	var deltaBytes int64
	if counter, ok := session.(interface{ TotalDeltaBytes() int64 }); ok {
		deltaBytes = counter.TotalDeltaBytes()
	}
	slog.Info("[Orchestrator] Cleanup finished",
		"call_id", callID, "reason", string(reason), "assistant_audio_bytes", deltaBytes)
}

// Shutdown cleans up every live call in parallel. Used on
// SIGINT/SIGTERM; the caller bounds it with the shutdown timeout and
// force-exits past it.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	live := o.reg.Live()
	if len(live) == 0 {
		return
	}
	slog.Info("[Orchestrator] Shutting down", "live_calls", len(live))

	g, _ := errgroup.WithContext(ctx)
	for _, c := range live {
		callID := c.ID
		g.Go(func() error {
			o.Cleanup(callID, call.ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()
}
