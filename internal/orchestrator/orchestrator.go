package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/ari"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/call"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/mailer"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/openai"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

const (
	// The external-leg enter handler polls the external→call mapping up
	// to externalMapAttempts times: the originate response races the
	// StasisStart it causes.
	externalMapAttempts = 10
	externalMapInterval = 50 * time.Millisecond

	// ignoreExternalTTL is how long late events for a torn-down
	// external leg stay suppressed.
	ignoreExternalTTL = 10 * time.Second

	// wsCloseSettle bounds the wait for the realtime WebSocket to
	// settle during teardown.
	wsCloseSettle = 300 * time.Millisecond

	localChannelPrefix    = "Local/"
	externalChannelPrefix = "UnicastRTP/"
)

// PBX is the ARI operation subset the orchestrator drives. Implemented
// by *ari.Client; faked in tests.
type PBX interface {
	App() string
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, bridgeType string) (*ari.Bridge, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	ExternalMedia(ctx context.Context, params ari.ExternalMediaParams) (*ari.Channel, error)
	ContinueInDialplan(ctx context.Context, channelID, dialplanContext, extension string, priority int) error
}

// Mailer is the post-cleanup transcript delivery contract.
type Mailer interface {
	SendTranscript(ctx context.Context, n mailer.Notification) error
}

// Session is the per-call AI connection as the orchestrator drives it.
type Session interface {
	Start(ctx context.Context) error
	AcceptCallerAudio(payload []byte)
	Close(ctx context.Context) error
	TotalDeltaBytes() int64
}

// SessionFactory builds the AI session for one call.
type SessionFactory func(callID, callerIdentity string, sender *rtp.Sender, tw *transcript.Writer) Session

// Orchestrator owns the per-call lifecycle: it consumes ARI events,
// builds the media path, reacts to trigger phrases relayed by the AI
// session and runs the idempotent teardown.
type Orchestrator struct {
	cfg    *config.Config
	pbx    PBX
	reg    *call.Registry
	pool   *rtp.Pool
	sink   *transcript.Sink
	mailer Mailer

	newSession SessionFactory

	drainMu sync.Mutex
	drainCh map[string]chan struct{}
}

// New wires an orchestrator. A nil sessionFactory gets the realtime
// OpenAI session.
func New(cfg *config.Config, pbx PBX, reg *call.Registry, pool *rtp.Pool, sink *transcript.Sink, m Mailer, sessionFactory SessionFactory) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		pbx:        pbx,
		reg:        reg,
		pool:       pool,
		sink:       sink,
		mailer:     m,
		newSession: sessionFactory,
		drainCh:    make(map[string]chan struct{}),
	}
	if o.newSession == nil {
		o.newSession = func(callID, callerIdentity string, sender *rtp.Sender, tw *transcript.Writer) Session {
			return openai.NewSession(cfg, callID, sender, tw, o, reg)
		}
	}
	return o
}

// HandleEvent dispatches one ARI event. Events arrive in order from the
// listener; delivery is at-least-once, so every path tolerates
// duplicates and late arrivals.
func (o *Orchestrator) HandleEvent(e ari.Event) {
	switch e.Type {
	case ari.EventStasisStart:
		if e.Channel == nil {
			return
		}
		if strings.HasPrefix(e.Channel.Name, localChannelPrefix) {
			slog.Debug("[Orchestrator] Ignoring local pseudo-leg", "channel", e.Channel.Name)
			return
		}
		if strings.HasPrefix(e.Channel.Name, externalChannelPrefix) {
			o.handleExternalEnter(e.Channel)
			return
		}
		o.handleCallStart(e.Channel)

	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		if e.Channel != nil {
			o.handleLegEnd(e.Channel.ID)
		}

	case ari.EventBridgeDestroyed:
		if e.Bridge != nil {
			o.handleBridgeDestroyed(e.Bridge.ID)
		}
	}
}

// callerIdentity derives the printable caller id: number first, then
// name, then the connected line, else empty (sanitized later for
// filenames).
func callerIdentity(ch *ari.Channel) string {
	switch {
	case ch.Caller.Number != "":
		return ch.Caller.Number
	case ch.Caller.Name != "":
		return ch.Caller.Name
	case ch.Connected.Number != "":
		return ch.Connected.Number
	case ch.Connected.Name != "":
		return ch.Connected.Name
	}
	return ""
}

// handleCallStart runs call setup for an inbound SIP leg.
func (o *Orchestrator) handleCallStart(ch *ari.Channel) {
	callID := ch.ID
	if o.reg.IsCleaned(callID) || o.reg.IsRegistered(callID) {
		slog.Info("[Orchestrator] Duplicate StasisStart dropped", "call_id", callID)
		return
	}

	caller := callerIdentity(ch)
	ctx := context.Background()
	slog.Info("[Orchestrator] Call start", "call_id", callID, "caller", caller, "channel", ch.Name)

	bridge, err := o.pbx.CreateBridge(ctx, "mixing,proxy_media")
	if err != nil {
		slog.Error("[Orchestrator] Bridge create failed", "call_id", callID, "error", err)
		_ = o.pbx.Hangup(ctx, callID)
		return
	}

	if err := o.pbx.AddChannel(ctx, bridge.ID, callID); err != nil {
		o.abortSetup(ctx, callID, bridge.ID, 0, nil, nil, fmt.Errorf("add sip leg: %w", err))
		return
	}
	if err := o.pbx.Answer(ctx, callID); err != nil {
		o.abortSetup(ctx, callID, bridge.ID, 0, nil, nil, fmt.Errorf("answer: %w", err))
		return
	}

	port, err := o.pool.Acquire()
	if err != nil {
		// Saturated pool rejects the call outright.
		o.abortSetup(ctx, callID, bridge.ID, 0, nil, nil, fmt.Errorf("acquire rtp port: %w", err))
		return
	}

	sender, err := rtp.NewSender(callID, o.handleAudioFinished)
	if err != nil {
		o.abortSetup(ctx, callID, bridge.ID, port, nil, nil, fmt.Errorf("start rtp sender: %w", err))
		return
	}

	tw := o.sink.Writer(callID, caller)
	session := o.newSession(callID, caller, sender, tw)

	receiver, err := rtp.NewReceiver(callID, port, session.AcceptCallerAudio, sender.SetDestination)
	if err != nil {
		o.abortSetup(ctx, callID, bridge.ID, port, sender, nil, fmt.Errorf("start rtp receiver: %w", err))
		return
	}

	c := &call.Call{
		ID:             callID,
		CallerIdentity: caller,
		StartedAt:      time.Now(),
		BridgeID:       bridge.ID,
		RTPPort:        port,
		Receiver:       receiver,
		Sender:         sender,
		Session:        session,
		TranscriptPath: tw.Path(),
	}
	if err := o.reg.Insert(c); err != nil {
		o.abortSetup(ctx, callID, bridge.ID, port, sender, receiver, fmt.Errorf("register call: %w", err))
		return
	}
	o.registerDrain(callID)

	// From here every failure goes through the regular cleanup.
	ext, err := o.pbx.ExternalMedia(ctx, ari.ExternalMediaParams{
		App:            o.pbx.App(),
		ExternalHost:   fmt.Sprintf("127.0.0.1:%d", port),
		Format:         "ulaw",
		Transport:      "udp",
		Encapsulation:  "rtp",
		ConnectionType: "client",
		Direction:      "both",
	})
	if err != nil {
		slog.Error("[Orchestrator] External media originate failed", "call_id", callID, "error", err)
		o.Cleanup(callID, call.ReasonSetupError)
		return
	}

	c.Mu.Lock()
	c.ExternalLegID = ext.ID
	c.Mu.Unlock()
	o.reg.MapExternal(ext.ID, callID)
	slog.Info("[Orchestrator] External media leg originated",
		"call_id", callID, "external_leg", ext.ID, "rtp_port", port)

	if o.cfg.CallDurationLimit > 0 {
		c.Mu.Lock()
		c.DurationTimer = time.AfterFunc(o.cfg.CallDurationLimit, func() {
			slog.Info("[Orchestrator] Call duration limit reached", "call_id", callID)
			// Hang up the SIP leg; the ordinary leg-end path cleans up.
			if err := o.pbx.Hangup(context.Background(), callID); err != nil {
				slog.Warn("[Orchestrator] Duration-limit hangup failed", "call_id", callID, "error", err)
			}
		})
		c.Mu.Unlock()
	}

	if err := session.Start(ctx); err != nil {
		slog.Error("[Orchestrator] AI session start failed", "call_id", callID, "error", err)
		o.Cleanup(callID, call.ReasonSetupError)
		return
	}
}

// abortSetup tears down partial setup state from before the call record
// was registered.
func (o *Orchestrator) abortSetup(ctx context.Context, callID, bridgeID string, port int, sender *rtp.Sender, receiver *rtp.Receiver, cause error) {
	slog.Error("[Orchestrator] Call setup failed", "call_id", callID, "error", cause)
	if receiver != nil {
		receiver.Close()
	}
	if sender != nil {
		sender.Close()
	}
	if port != 0 {
		o.pool.Release(port)
	}
	if bridgeID != "" {
		if err := o.pbx.DestroyBridge(ctx, bridgeID); err != nil {
			slog.Warn("[Orchestrator] Bridge destroy failed during abort", "call_id", callID, "error", err)
		}
	}
	if err := o.pbx.Hangup(ctx, callID); err != nil {
		slog.Warn("[Orchestrator] Hangup failed during abort", "call_id", callID, "error", err)
	}
}

// handleExternalEnter attaches the external media leg to its call's
// bridge, waiting briefly for the orchestrator to have populated the
// external→call mapping.
func (o *Orchestrator) handleExternalEnter(ch *ari.Channel) {
	if o.reg.IsIgnoredExternal(ch.ID) {
		slog.Debug("[Orchestrator] Ignored external leg enter", "external_leg", ch.ID)
		return
	}

	callID, ok := o.reg.WaitExternal(ch.ID, externalMapAttempts, externalMapInterval)
	if !ok {
		slog.Error("[Orchestrator] External leg has no owning call", "external_leg", ch.ID, "channel", ch.Name)
		return
	}

	c, ok := o.reg.Get(callID)
	if !ok {
		slog.Info("[Orchestrator] External leg entered after call ended", "external_leg", ch.ID, "call_id", callID)
		return
	}

	if err := o.pbx.AddChannel(context.Background(), c.BridgeID, ch.ID); err != nil {
		slog.Error("[Orchestrator] Add external leg to bridge failed",
			"call_id", callID, "external_leg", ch.ID, "error", err)
		return
	}
	slog.Info("[Orchestrator] External leg bridged", "call_id", callID, "external_leg", ch.ID)
}

// handleLegEnd records a leg-end for either leg and decides between
// immediate cleanup (both legs gone) and the grace debounce.
func (o *Orchestrator) handleLegEnd(channelID string) {
	if o.reg.IsIgnoredExternal(channelID) {
		slog.Debug("[Orchestrator] Ignored external leg end", "channel", channelID)
		return
	}

	var c *call.Call
	isExternal := false
	if callID, ok := o.reg.ResolveExternal(channelID); ok {
		c, _ = o.reg.Get(callID)
		isExternal = true
	} else if found, ok := o.reg.Get(channelID); ok {
		c = found
	}

	if c == nil {
		// Late or foreign event; cleaned calls are the common case.
		slog.Info("[Orchestrator] Leg end for unknown channel dropped",
			"channel", channelID, "cleaned", o.reg.IsCleaned(channelID))
		return
	}

	c.Mu.Lock()
	if isExternal {
		c.ExtEnded = true
	} else {
		c.SIPEnded = true
	}
	both := c.SIPEnded && c.ExtEnded
	if !both {
		if c.GraceTimer != nil {
			c.GraceTimer.Stop()
		}
		callID := c.ID
		c.GraceTimer = time.AfterFunc(o.cfg.CleanupGrace, func() {
			o.Cleanup(callID, call.ReasonGraceTimeout)
		})
	}
	c.Mu.Unlock()

	slog.Info("[Orchestrator] Leg ended",
		"call_id", c.ID, "channel", channelID, "external", isExternal, "both_ended", both)

	if both {
		o.Cleanup(c.ID, call.ReasonBothEnded)
	}
}

// handleBridgeDestroyed cleans up the call owning a bridge destroyed
// outside our teardown.
func (o *Orchestrator) handleBridgeDestroyed(bridgeID string) {
	for _, c := range o.reg.Live() {
		if c.BridgeID == bridgeID {
			slog.Info("[Orchestrator] Bridge destroyed externally", "call_id", c.ID, "bridge_id", bridgeID)
			o.Cleanup(c.ID, call.ReasonBridgeDestroyed)
			return
		}
	}
	slog.Debug("[Orchestrator] Bridge destroyed for no live call", "bridge_id", bridgeID)
}

// registerDrain creates the per-call drain notification slot.
func (o *Orchestrator) registerDrain(callID string) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	o.drainCh[callID] = make(chan struct{}, 1)
}

// handleAudioFinished is the Sender drain-edge callback.
func (o *Orchestrator) handleAudioFinished(callID string) {
	o.drainMu.Lock()
	ch := o.drainCh[callID]
	o.drainMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) dropDrain(callID string) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	delete(o.drainCh, callID)
}
