package call

import (
	"context"
	"sync"
	"time"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
)

// Session is the per-call realtime AI connection as the lifecycle code
// sees it. Close must be idempotent and honor the context deadline.
type Session interface {
	Close(ctx context.Context) error
}

// Reason tags why a call was cleaned up.
type Reason string

const (
	ReasonBothEnded       Reason = "both-ended"
	ReasonGraceTimeout    Reason = "grace-timeout"
	ReasonBridgeDestroyed Reason = "bridge-destroyed"
	ReasonDurationLimit   Reason = "duration-limit"
	ReasonShutdown        Reason = "shutdown"
	ReasonSetupError      Reason = "stasisstart-error"
	ReasonRedirect        Reason = "redirect-cleanup"
)

// ReasonAssistantTerminate tags a cleanup triggered by an assistant
// farewell, carrying the matched phrase.
func ReasonAssistantTerminate(phrase string) Reason {
	return Reason("assistant-terminate:" + phrase)
}

// Call is the per-call state record. The orchestrator is its single
// owner; every mutation happens under Mu, and blocking PBX or AI
// operations are never performed while holding it.
type Call struct {
	ID             string
	CallerIdentity string
	StartedAt      time.Time

	BridgeID      string
	ExternalLegID string

	RTPPort  int
	Receiver *rtp.Receiver
	Sender   *rtp.Sender
	Session  Session

	TranscriptPath string

	Mu sync.Mutex

	// Lifecycle flags, guarded by Mu.
	SIPEnded               bool
	ExtEnded               bool
	Redirecting            bool
	TerminateAfterPlayback bool
	Cleaned                bool

	// Timers, guarded by Mu.
	DurationTimer *time.Timer
	GraceTimer    *time.Timer
}

// StopTimers cancels any armed per-call timers. Caller must hold Mu.
func (c *Call) StopTimers() {
	if c.DurationTimer != nil {
		c.DurationTimer.Stop()
		c.DurationTimer = nil
	}
	if c.GraceTimer != nil {
		c.GraceTimer.Stop()
		c.GraceTimer = nil
	}
}
