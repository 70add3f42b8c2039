package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/ari"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/call"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/mailer"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

// fakePBX records ARI operations and simulates configurable failures.
type fakePBX struct {
	mu           sync.Mutex
	ops          []string
	bridgeSeq    int
	externalSeq  int
	failContinue map[string]bool
	failExternal bool
}

func newFakePBX() *fakePBX {
	return &fakePBX{failContinue: make(map[string]bool)}
}

func (f *fakePBX) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakePBX) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakePBX) has(op string) bool {
	for _, o := range f.opList() {
		if o == op {
			return true
		}
	}
	return false
}

func (f *fakePBX) countOp(op string) int {
	n := 0
	for _, o := range f.opList() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakePBX) App() string { return "openai-bridge" }

func (f *fakePBX) Answer(ctx context.Context, channelID string) error {
	f.record("answer:" + channelID)
	return nil
}

func (f *fakePBX) Hangup(ctx context.Context, channelID string) error {
	f.record("hangup:" + channelID)
	return nil
}

func (f *fakePBX) CreateBridge(ctx context.Context, bridgeType string) (*ari.Bridge, error) {
	f.mu.Lock()
	f.bridgeSeq++
	id := fmt.Sprintf("B%d", f.bridgeSeq)
	f.ops = append(f.ops, "createBridge:"+bridgeType)
	f.mu.Unlock()
	return &ari.Bridge{ID: id, Type: bridgeType}, nil
}

func (f *fakePBX) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.record("destroyBridge:" + bridgeID)
	return nil
}

func (f *fakePBX) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	f.record(fmt.Sprintf("addChannel:%s:%s", bridgeID, channelID))
	return nil
}

func (f *fakePBX) ExternalMedia(ctx context.Context, params ari.ExternalMediaParams) (*ari.Channel, error) {
	f.mu.Lock()
	fail := f.failExternal
	f.externalSeq++
	id := fmt.Sprintf("E%d", f.externalSeq)
	f.ops = append(f.ops, "externalMedia:"+params.ExternalHost)
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("simulated originate failure")
	}
	return &ari.Channel{ID: id, Name: "UnicastRTP/127.0.0.1:0-" + id}, nil
}

func (f *fakePBX) ContinueInDialplan(ctx context.Context, channelID, dialCtx, extension string, priority int) error {
	f.record(fmt.Sprintf("continue:%s:%s:%s:%d", channelID, dialCtx, extension, priority))
	f.mu.Lock()
	fail := f.failContinue[dialCtx]
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated continue failure in %s", dialCtx)
	}
	return nil
}

type fakeSession struct {
	mu     sync.Mutex
	starts int
	closes int
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSession) AcceptCallerAudio(payload []byte) {}

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSession) TotalDeltaBytes() int64 { return 0 }

type fakeMailer struct {
	mu    sync.Mutex
	notes []mailer.Notification
}

func (f *fakeMailer) SendTranscript(ctx context.Context, n mailer.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeMailer) sent() []mailer.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Notification(nil), f.notes...)
}

type fixture struct {
	cfg    *config.Config
	pbx    *fakePBX
	reg    *call.Registry
	pool   *rtp.Pool
	mail   *fakeMailer
	orch   *Orchestrator
}

func newFixture(t *testing.T, portStart, maxCalls int) *fixture {
	t.Helper()
	cfg := &config.Config{
		RTPPortStart:       portStart,
		MaxConcurrentCalls: maxCalls,
		CleanupGrace:       50 * time.Millisecond,
		TerminateFallback:  300 * time.Millisecond,
		ShutdownTimeout:    time.Second,
		RedirectionQueue:   "4000",
		Email:              config.Email{Enabled: true},
	}
	pbx := newFakePBX()
	reg := call.NewRegistry()
	pool := rtp.NewPool(cfg.RTPPortStart, cfg.MaxConcurrentCalls)
	mail := &fakeMailer{}
	sink := transcript.NewSink(t.TempDir())

	factory := func(callID, callerIdentity string, sender *rtp.Sender, tw *transcript.Writer) Session {
		return &fakeSession{}
	}
	orch := New(cfg, pbx, reg, pool, sink, mail, factory)

	return &fixture{cfg: cfg, pbx: pbx, reg: reg, pool: pool, mail: mail, orch: orch}
}

func sipStart(callID, number string) ari.Event {
	return ari.Event{
		Type: ari.EventStasisStart,
		Channel: &ari.Channel{
			ID:     callID,
			Name:   "PJSIP/1001-" + callID,
			Caller: ari.CallerID{Number: number},
		},
	}
}

func legEnd(channelID string) ari.Event {
	return ari.Event{
		Type:    ari.EventStasisEnd,
		Channel: &ari.Channel{ID: channelID},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHappyPathSetupAndCleanup(t *testing.T) {
	fx := newFixture(t, 42000, 4)

	fx.orch.HandleEvent(sipStart("C1", "+15551234"))

	if got := fx.reg.Count(); got != 1 {
		t.Fatalf("registered calls = %d, want 1", got)
	}
	if !fx.pbx.has("answer:C1") {
		t.Error("SIP leg was not answered")
	}
	if !fx.pbx.has("addChannel:B1:C1") {
		t.Error("SIP leg was not bridged")
	}
	if !fx.pbx.has("externalMedia:127.0.0.1:42000") {
		t.Errorf("external media not originated at expected port, ops = %v", fx.pbx.opList())
	}
	if got := fx.pool.InUse(); got != 1 {
		t.Errorf("ports in use = %d, want 1", got)
	}

	// External leg enters our app and is attached to the bridge.
	fx.orch.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "E1", Name: "UnicastRTP/127.0.0.1:42000-E1"},
	})
	if !fx.pbx.has("addChannel:B1:E1") {
		t.Error("external leg was not bridged")
	}

	// Both legs end: immediate cleanup.
	fx.orch.HandleEvent(legEnd("C1"))
	fx.orch.HandleEvent(legEnd("E1"))

	if got := fx.reg.Count(); got != 0 {
		t.Errorf("registered calls after cleanup = %d, want 0", got)
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use after cleanup = %d, want 0", got)
	}
	if !fx.pbx.has("destroyBridge:B1") {
		t.Error("bridge was not destroyed")
	}
	if !fx.pbx.has("hangup:C1") {
		t.Error("SIP leg was not hung up on natural end")
	}

	sent := fx.mail.sent()
	if len(sent) != 1 {
		t.Fatalf("transcript emails = %d, want 1", len(sent))
	}
	if sent[0].CallID != "C1" || sent[0].Reason != string(call.ReasonBothEnded) {
		t.Errorf("email = %+v, want call C1 reason both-ended", sent[0])
	}
}

func TestCleanupIdempotent(t *testing.T) {
	fx := newFixture(t, 42010, 4)

	fx.orch.HandleEvent(sipStart("C1", "100"))

	for i := 0; i < 3; i++ {
		fx.orch.Cleanup("C1", call.ReasonBothEnded)
	}

	if got := len(fx.mail.sent()); got != 1 {
		t.Errorf("transcript emails = %d, want 1 (cleanup must be idempotent)", got)
	}
	if got := fx.pbx.countOp("destroyBridge:B1"); got != 1 {
		t.Errorf("bridge destroys = %d, want 1", got)
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use = %d, want 0", got)
	}
}

func TestConcurrentCleanupJoins(t *testing.T) {
	fx := newFixture(t, 42020, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.orch.Cleanup("C1", call.ReasonGraceTimeout)
		}()
	}
	wg.Wait()

	if got := len(fx.mail.sent()); got != 1 {
		t.Errorf("transcript emails = %d, want 1", got)
	}
}

func TestGraceTimeoutCleanup(t *testing.T) {
	fx := newFixture(t, 42030, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	// Only the SIP leg ends; the grace timer must collect the call.
	fx.orch.HandleEvent(legEnd("C1"))

	waitFor(t, 2*time.Second, func() bool { return fx.reg.Count() == 0 })

	sent := fx.mail.sent()
	if len(sent) != 1 || sent[0].Reason != string(call.ReasonGraceTimeout) {
		t.Errorf("emails = %+v, want one grace-timeout email", sent)
	}
}

func TestRedirectKeepsSIPLegAndSkipsEmail(t *testing.T) {
	fx := newFixture(t, 42040, 4)
	fx.cfg.RedirectionQueueContext = "custom-queues"
	fx.pbx.failContinue["custom-queues"] = true
	fx.pbx.failContinue["ext-queues"] = true

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.RedirectToQueue("C1", "connecting you")

	// Context preference order with fallback on failure.
	var continues []string
	for _, op := range fx.pbx.opList() {
		if strings.HasPrefix(op, "continue:") {
			continues = append(continues, op)
		}
	}
	want := []string{
		"continue:C1:custom-queues:4000:1",
		"continue:C1:ext-queues:4000:1",
		"continue:C1:from-internal:4000:1",
	}
	if len(continues) != len(want) {
		t.Fatalf("continue ops = %v, want %v", continues, want)
	}
	for i := range want {
		if continues[i] != want[i] {
			t.Errorf("continue op %d = %q, want %q", i, continues[i], want[i])
		}
	}

	if fx.pbx.has("hangup:C1") {
		t.Error("SIP leg hung up during successful redirect")
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use after redirect = %d, want 0", got)
	}

	// Subsequent ordinary leg end must not hang up the SIP leg nor email.
	fx.orch.HandleEvent(legEnd("C1"))
	waitFor(t, 2*time.Second, func() bool { return fx.reg.Count() == 0 })

	if fx.pbx.has("hangup:C1") {
		t.Error("SIP leg hung up by cleanup after redirect")
	}
	if got := len(fx.mail.sent()); got != 0 {
		t.Errorf("transcript emails after redirect = %d, want 0", got)
	}
}

func TestRedirectReleasesPortExactlyOnce(t *testing.T) {
	fx := newFixture(t, 42180, 2)

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.RedirectToQueue("C1", "connecting you")

	// The freed port goes straight to the next call.
	fx.orch.HandleEvent(sipStart("C2", "200"))
	c2, ok := fx.reg.Get("C2")
	if !ok {
		t.Fatal("second call not registered")
	}
	if c2.RTPPort != 42180 {
		t.Errorf("second call port = %d, want 42180 (lowest free)", c2.RTPPort)
	}

	// The redirected call's eventual leg-end cleanup must not free the
	// port the second call now holds.
	fx.orch.HandleEvent(legEnd("C1"))
	waitFor(t, 2*time.Second, func() bool { return !fx.reg.IsRegistered("C1") })

	if got := fx.pool.InUse(); got != 1 {
		t.Errorf("ports in use = %d, want 1 (second call still live)", got)
	}

	fx.orch.HandleEvent(sipStart("C3", "300"))
	c3, ok := fx.reg.Get("C3")
	if !ok {
		t.Fatal("third call not registered")
	}
	if c3.RTPPort == c2.RTPPort {
		t.Errorf("port %d handed to two live calls", c3.RTPPort)
	}
}

func TestRedirectAllContextsFailHangsUp(t *testing.T) {
	fx := newFixture(t, 42050, 4)
	fx.pbx.failContinue["ext-queues"] = true
	fx.pbx.failContinue["from-internal"] = true

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.RedirectToQueue("C1", "connecting you")

	if !fx.pbx.has("hangup:C1") {
		t.Error("SIP leg not hung up after every dialplan context failed")
	}
}

func TestRedirectWithoutQueueConfigured(t *testing.T) {
	fx := newFixture(t, 42060, 4)
	fx.cfg.RedirectionQueue = ""

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.RedirectToQueue("C1", "connecting you")

	c, ok := fx.reg.Get("C1")
	if !ok {
		t.Fatal("call disappeared")
	}
	c.Mu.Lock()
	redirecting := c.Redirecting
	c.Mu.Unlock()
	if redirecting {
		t.Error("call marked redirecting without a configured queue")
	}
}

func TestTerminateWithEmptyQueueCleansUp(t *testing.T) {
	fx := newFixture(t, 42070, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	fx.orch.TerminateAfterPlayback("C1", "goodbye")

	waitFor(t, 2*time.Second, func() bool { return fx.reg.Count() == 0 })

	sent := fx.mail.sent()
	if len(sent) != 1 {
		t.Fatalf("emails = %d, want 1", len(sent))
	}
	if sent[0].Reason != "assistant-terminate:goodbye" {
		t.Errorf("reason = %q, want assistant-terminate:goodbye", sent[0].Reason)
	}
	if !fx.pbx.has("hangup:C1") {
		t.Error("SIP leg not hung up on terminate")
	}
}

func TestTerminateWaitsForFarewellDespiteEarlierDrain(t *testing.T) {
	fx := newFixture(t, 42170, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	c, ok := fx.reg.Get("C1")
	if !ok {
		t.Fatal("call not registered")
	}

	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("bind drain destination: %v", err)
	}
	defer dest.Close()
	c.Sender.SetDestination(dest.LocalAddr().(*net.UDPAddr))

	// An earlier assistant turn plays out fully, leaving a drain edge
	// behind that nobody has consumed.
	c.Sender.Push(make([]byte, 2*rtp.SamplesPerPacket))
	waitFor(t, 2*time.Second, func() bool { return c.Sender.QueueEmpty() })
	time.Sleep(3 * rtp.FrameDuration)

	// The farewell is still queued when terminate arms; cleanup must wait
	// for its own drain, not the stale edge.
	c.Sender.Push(make([]byte, 10*rtp.SamplesPerPacket))
	start := time.Now()
	fx.orch.TerminateAfterPlayback("C1", "goodbye")

	waitFor(t, 2*time.Second, func() bool { return fx.reg.Count() == 0 })
	if elapsed := time.Since(start); elapsed < 8*rtp.FrameDuration {
		t.Errorf("cleanup after %v, want >= %v (farewell must finish playing)",
			elapsed, 8*rtp.FrameDuration)
	}
}

func TestTerminateSkippedWhileRedirecting(t *testing.T) {
	fx := newFixture(t, 42080, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	fx.orch.RedirectToQueue("C1", "connecting you")
	fx.orch.TerminateAfterPlayback("C1", "goodbye")

	time.Sleep(100 * time.Millisecond)
	c, ok := fx.reg.Get("C1")
	if !ok {
		t.Fatal("call cleaned up by terminate during redirect")
	}
	c.Mu.Lock()
	armed := c.TerminateAfterPlayback
	c.Mu.Unlock()
	if armed {
		t.Error("terminate armed on a redirecting call")
	}
}

func TestLateEventsDropped(t *testing.T) {
	fx := newFixture(t, 42090, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.Cleanup("C1", call.ReasonBothEnded)

	before := len(fx.pbx.opList())

	// Everything after cleanup is noise.
	fx.orch.HandleEvent(legEnd("C1"))
	fx.orch.HandleEvent(legEnd("E1"))
	fx.orch.HandleEvent(ari.Event{Type: ari.EventBridgeDestroyed, Bridge: &ari.Bridge{ID: "B1"}})
	fx.orch.HandleEvent(ari.Event{Type: ari.EventChannelDestroyed, Channel: &ari.Channel{ID: "C1"}})

	if after := len(fx.pbx.opList()); after != before {
		t.Errorf("late events caused %d PBX operations", after-before)
	}
	if got := fx.reg.Count(); got != 0 {
		t.Errorf("registry count = %d, want 0", got)
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use = %d, want 0", got)
	}
}

func TestDuplicateStasisStartDropped(t *testing.T) {
	fx := newFixture(t, 42100, 4)

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.HandleEvent(sipStart("C1", "100"))

	if got := fx.pbx.countOp("createBridge:mixing,proxy_media"); got != 1 {
		t.Errorf("bridges created = %d, want 1", got)
	}
}

func TestLocalPseudoLegIgnored(t *testing.T) {
	fx := newFixture(t, 42110, 4)

	fx.orch.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "L1", Name: "Local/4000@from-queue-00000001;2"},
	})

	if got := len(fx.pbx.opList()); got != 0 {
		t.Errorf("PBX operations for Local/ leg = %d, want 0", got)
	}
}

func TestExternalMediaFailureCleansUp(t *testing.T) {
	fx := newFixture(t, 42120, 4)
	fx.pbx.failExternal = true

	fx.orch.HandleEvent(sipStart("C1", "100"))

	if got := fx.reg.Count(); got != 0 {
		t.Errorf("registered calls = %d, want 0", got)
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use = %d, want 0", got)
	}
	if !fx.pbx.has("hangup:C1") {
		t.Error("SIP leg not hung up after setup failure")
	}
}

func TestPoolExhaustionRejectsCall(t *testing.T) {
	fx := newFixture(t, 42130, 1)

	fx.orch.HandleEvent(sipStart("C1", "100"))
	fx.orch.HandleEvent(sipStart("C2", "200"))

	if got := fx.reg.Count(); got != 1 {
		t.Errorf("registered calls = %d, want 1", got)
	}
	if !fx.pbx.has("hangup:C2") {
		t.Error("second call not rejected")
	}
	if !fx.pbx.has("destroyBridge:B2") {
		t.Error("second call's bridge not destroyed")
	}
	if _, ok := fx.reg.Get("C1"); !ok {
		t.Error("first call lost")
	}
}

func TestNoPortSharedBetweenLiveCalls(t *testing.T) {
	fx := newFixture(t, 42140, 4)

	for i := 1; i <= 4; i++ {
		fx.orch.HandleEvent(sipStart(fmt.Sprintf("C%d", i), fmt.Sprintf("%d", 100+i)))
	}

	seen := make(map[int]string)
	for _, c := range fx.reg.Live() {
		if owner, dup := seen[c.RTPPort]; dup {
			t.Errorf("port %d shared by %s and %s", c.RTPPort, owner, c.ID)
		}
		seen[c.RTPPort] = c.ID
	}
	if len(seen) != 4 {
		t.Errorf("distinct ports = %d, want 4", len(seen))
	}
}

func TestBridgeDestroyedTriggersCleanup(t *testing.T) {
	fx := newFixture(t, 42150, 4)
	fx.orch.HandleEvent(sipStart("C1", "100"))

	fx.orch.HandleEvent(ari.Event{Type: ari.EventBridgeDestroyed, Bridge: &ari.Bridge{ID: "B1"}})

	if got := fx.reg.Count(); got != 0 {
		t.Errorf("registered calls = %d, want 0", got)
	}
	sent := fx.mail.sent()
	if len(sent) != 1 || sent[0].Reason != string(call.ReasonBridgeDestroyed) {
		t.Errorf("emails = %+v, want one bridge-destroyed email", sent)
	}
}

func TestShutdownCleansAllCalls(t *testing.T) {
	fx := newFixture(t, 42160, 4)

	for i := 1; i <= 3; i++ {
		fx.orch.HandleEvent(sipStart(fmt.Sprintf("C%d", i), "100"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fx.orch.Shutdown(ctx)

	if got := fx.reg.Count(); got != 0 {
		t.Errorf("registered calls after shutdown = %d, want 0", got)
	}
	if got := fx.pool.InUse(); got != 0 {
		t.Errorf("ports in use after shutdown = %d, want 0", got)
	}
	if got := len(fx.mail.sent()); got != 3 {
		t.Errorf("emails = %d, want 3", got)
	}
}
