package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/media"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

const (
	maxRetries    = 3
	retryInterval = time.Second
)

// ErrCallGone aborts connect retries once the call has left the
// registry; a session must never come up for a call that is already
// being torn down.
var ErrCallGone = errors.New("call no longer registered")

// Hooks is the typed channel from the session back into the
// orchestrator. Implementations must treat calls as fire-and-forget and
// verify the call id themselves.
type Hooks interface {
	OnRedirectRequest(callID, phrase string)
	OnTerminateRequest(callID, phrase string)
}

// AudioSink receives assistant audio for paced playback. Implemented by
// the RTP sender.
type AudioSink interface {
	Push(audio []byte)
	StopPlayback()
}

// Registry is the membership check gating reconnect attempts.
type Registry interface {
	IsRegistered(callID string) bool
}

// Session is the per-call realtime WebSocket client. It configures the
// remote session, forwards caller ulaw audio upstream, routes audio
// deltas to the sink, writes both transcripts, and watches assistant
// transcripts for the configured trigger phrases.
//
// A dedicated reader goroutine processes server events strictly in
// arrival order.
type Session struct {
	callID string
	cfg    *config.Config

	sink        AudioSink
	transcripts *transcript.Writer
	hooks       Hooks
	registry    Registry

	conn    *websocket.Conn
	writeMu sync.Mutex

	closed atomic.Bool
	done   chan struct{}

	mu                 sync.Mutex
	awaitingFirstDelta bool
	responseActive     bool
	terminateArmed     bool
	armedPhrase        string
	redirected         bool

	totalDeltaBytes atomic.Int64
}

// NewSession builds a session for one call. Start must be called before
// any audio is accepted.
func NewSession(cfg *config.Config, callID string, sink AudioSink, transcripts *transcript.Writer, hooks Hooks, registry Registry) *Session {
	return &Session{
		callID:             callID,
		cfg:                cfg,
		sink:               sink,
		transcripts:        transcripts,
		hooks:              hooks,
		registry:           registry,
		done:               make(chan struct{}),
		awaitingFirstDelta: true,
	}
}

// Start dials the realtime endpoint (retrying while the call is still
// registered), sends the session configuration and the initial user
// message, and starts the reader.
func (s *Session) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if !s.registry.IsRegistered(s.callID) {
			return ErrCallGone
		}

		conn, err := s.dial(ctx)
		if err == nil {
			s.conn = conn
			break
		}
		lastErr = err
		slog.Warn("[AI-RT] Connect failed",
			"call_id", s.callID, "attempt", attempt, "error", err)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
			}
		}
	}
	if s.conn == nil {
		return fmt.Errorf("connect realtime endpoint: %w", lastErr)
	}

	if err := s.sendSessionUpdate(); err != nil {
		_ = s.conn.Close()
		return err
	}

	go s.readLoop()

	if err := s.sendInitialMessage(); err != nil {
		return err
	}

	slog.Info("[AI-RT] Session started", "call_id", s.callID, "model", s.cfg.RealtimeModel)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	wsURL := s.cfg.RealtimeURL
	if !strings.Contains(wsURL, "model=") {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL += sep + "model=" + s.cfg.RealtimeModel
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	return conn, nil
}

func (s *Session) sendSessionUpdate() error {
	return s.sendJSON(sessionUpdateEvent{
		Type:    typeSessionUpdate,
		EventID: uuid.NewString(),
		Session: sessionConfig{
			Modalities:        []string{"audio", "text"},
			Voice:             s.cfg.Voice,
			Instructions:      s.cfg.SystemPrompt,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			InputAudioTranscription: &transcriptionConfig{
				Model:    s.cfg.TranscriptionModel,
				Language: s.cfg.TranscriptionLanguage,
			},
			TurnDetection: turnDetection(s.cfg.VAD),
		},
	})
}

func (s *Session) sendInitialMessage() error {
	if err := s.sendJSON(itemCreateEvent{
		Type:    typeItemCreate,
		EventID: uuid.NewString(),
		Item: item{
			Type: "message",
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: s.cfg.InitialMessage},
			},
		},
	}); err != nil {
		return err
	}
	return s.sendJSON(responseCreateEvent{
		Type:    typeResponseCreate,
		EventID: uuid.NewString(),
	})
}

// AcceptCallerAudio forwards raw ulaw bytes from the RTP receiver to the
// realtime endpoint. Safe to call after close; the audio is dropped.
func (s *Session) AcceptCallerAudio(payload []byte) {
	if s.closed.Load() || len(payload) == 0 {
		return
	}
	err := s.sendJSON(inputAudioAppendEvent{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil && !s.closed.Load() {
		slog.Debug("[AI-RT] Caller audio dropped", "call_id", s.callID, "error", err)
	}
}

// TotalDeltaBytes returns the cumulative assistant audio byte count.
func (s *Session) TotalDeltaBytes() int64 {
	return s.totalDeltaBytes.Load()
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil || s.closed.Load() {
		return errors.New("session closed")
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			slog.Warn("[AI-RT] Read error", "call_id", s.callID, "error", err)
			s.finalizeIfArmed()
			return
		}
		s.route(message)
	}
}

func (s *Session) route(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("[AI-RT] Undecodable event", "call_id", s.callID, "error", err)
		return
	}

	switch ev.Type {
	case typeSessionCreated, typeSessionUpdated:
		slog.Debug("[AI-RT] Session event", "call_id", s.callID, "type", ev.Type)

	case typeItemCreated:
		// A user item appearing mid-response is the barge-in signal.
		if ev.Item != nil && ev.Item.Role == "user" {
			s.sink.StopPlayback()
		}

	case typeResponseCreated:
		s.mu.Lock()
		s.awaitingFirstDelta = true
		s.responseActive = true
		s.mu.Unlock()

	case typeAudioDelta:
		s.handleAudioDelta(ev.Delta)

	case typeTranscriptDone:
		s.transcripts.Append(transcript.SpeakerAssistant, ev.Transcript)
		s.matchTriggers(ev.Transcript)

	case typeInputTranscriptionDone:
		s.transcripts.Append(transcript.SpeakerUser, ev.Transcript)

	case typeAudioDone:
		s.mu.Lock()
		s.awaitingFirstDelta = true
		s.responseActive = false
		armed := s.terminateArmed
		phrase := s.armedPhrase
		s.mu.Unlock()
		if armed {
			// Playback of the farewell is now queued in full; the
			// orchestrator is waiting on the sender drain.
			s.hooks.OnTerminateRequest(s.callID, phrase)
		}

	case typeError:
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		slog.Error("[AI-RT] Server error", "call_id", s.callID, "message", msg)
		s.finalizeIfArmed()
		// Close inline rather than via Close: the reader cannot wait on
		// its own exit.
		if !s.closed.Swap(true) && s.conn != nil {
			_ = s.conn.Close()
		}

	default:
		slog.Debug("[AI-RT] Ignored event", "call_id", s.callID, "type", ev.Type)
	}
}

func (s *Session) handleAudioDelta(delta string) {
	audio, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		slog.Warn("[AI-RT] Bad audio delta", "call_id", s.callID, "error", err)
		return
	}
	// Pure digital silence carries no information and would only delay
	// the drain edge.
	if len(audio) == 0 || media.IsSilence(audio) {
		return
	}

	s.mu.Lock()
	first := s.awaitingFirstDelta
	s.awaitingFirstDelta = false
	s.responseActive = true
	s.mu.Unlock()

	s.totalDeltaBytes.Add(int64(len(audio)))

	if first && s.cfg.SilencePaddingMS > 0 {
		s.sink.Push(media.Silence(time.Duration(s.cfg.SilencePaddingMS) * time.Millisecond))
	}
	s.sink.Push(audio)
}

// matchTriggers tests an assistant transcript against the configured
// phrase lists. A terminate match while the response is still streaming
// only arms terminate-after-playback; the orchestrator is notified at
// the response's audio-done. If no response is active the notification
// goes out immediately.
func (s *Session) matchTriggers(raw string) {
	text := config.NormalizePhrase(raw)
	if text == "" {
		return
	}

	s.mu.Lock()
	redirected := s.redirected
	terminateArmed := s.terminateArmed
	s.mu.Unlock()

	if !redirected && !terminateArmed {
		for _, phrase := range s.cfg.TerminatePhrases {
			if strings.Contains(text, phrase) {
				s.mu.Lock()
				s.terminateArmed = true
				s.armedPhrase = phrase
				active := s.responseActive
				s.mu.Unlock()
				slog.Info("[AI-RT] Terminate phrase matched, armed", "call_id", s.callID, "phrase", phrase)
				if !active {
					s.hooks.OnTerminateRequest(s.callID, phrase)
				}
				return
			}
		}
	}

	if !redirected && !terminateArmed {
		for _, phrase := range s.cfg.RedirectionPhrases {
			if strings.Contains(text, phrase) {
				s.mu.Lock()
				s.redirected = true
				s.mu.Unlock()
				slog.Info("[AI-RT] Redirect phrase matched", "call_id", s.callID, "phrase", phrase)
				s.hooks.OnRedirectRequest(s.callID, phrase)
				return
			}
		}
	}
}

func (s *Session) finalizeIfArmed() {
	s.mu.Lock()
	armed := s.terminateArmed
	phrase := s.armedPhrase
	s.mu.Unlock()
	if armed {
		s.hooks.OnTerminateRequest(s.callID, phrase)
	}
}

// Close shuts the WebSocket down, waiting for the reader to settle up to
// the context deadline. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.conn == nil {
		close(s.done)
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()

	select {
	case <-s.done:
	case <-ctx.Done():
	}

	slog.Debug("[AI-RT] Session closed", "call_id", s.callID)
	return err
}
