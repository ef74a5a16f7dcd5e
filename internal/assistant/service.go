package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

const (
	// autoConfirmConfidence is the extraction confidence above which a newly
	// filled non-identity slot is accepted without an explicit confirmation
	// turn. Identity slots always require the user to confirm.
	autoConfirmConfidence = 0.7

	defaultLLMTimeout = 45 * time.Second

	operationProcessMessage = "process_message"
)

// fallbackReply is sent when the completion service fails for a turn. The
// turn still succeeds; only the generated wording is lost.
const fallbackReply = "Desculpe, tive um problema para processar sua mensagem. Pode repetir, por favor?"

// Response is the assistant's answer to one processed turn.
type Response struct {
	Message       string         `json:"message"`
	Intent        Intent         `json:"intent"`
	Confidence    float64        `json:"confidence"`
	NextSteps     []string       `json:"nextSteps,omitempty"`
	RequiresInput bool           `json:"requiresInput"`
	IsCompleted   bool           `json:"isCompleted"`
	Data          map[string]any `json:"data,omitempty"`
}

// TurnObserver receives per-turn telemetry. Implementations must be safe for
// concurrent use.
type TurnObserver interface {
	ObserveTurn(intent, status string, seconds float64)
	ObserveStreamEvent(event string)
}

// ServiceOptions carries the optional collaborators and tunables of the
// orchestrator.
type ServiceOptions struct {
	Booking     BookingService
	Audit       *ConversationStore
	Limiter     *RateLimiter
	Observer    TurnObserver
	LLMTimeout  time.Duration
	MaxTokens   int32
	Temperature float32
}

// AssistantService orchestrates one conversational turn: rate limiting,
// context load, NLP, flow control, retrieval, prompting, completion and
// persistence. Turns for the same session are serialized by a keyed mutex.
type AssistantService struct {
	llm         StreamingLLMClient
	model       string
	nlp         *NLPPipeline
	contexts    *ContextStore
	transcripts *TranscriptStore
	retriever   *Retriever
	prompts     *PromptRegistry
	flow        *FlowController

	booking     BookingService
	audit       *ConversationStore
	limiter     *RateLimiter
	observer    TurnObserver
	llmTimeout  time.Duration
	maxTokens   int32
	temperature float32

	tracer   trace.Tracer
	logger   *logging.Logger
	sessions *sessionLocks
}

// NewAssistantService wires the orchestrator. llm, contexts, transcripts,
// retriever and prompts are required; everything in opts is optional.
func NewAssistantService(
	llm StreamingLLMClient,
	model string,
	nlp *NLPPipeline,
	contexts *ContextStore,
	transcripts *TranscriptStore,
	retriever *Retriever,
	prompts *PromptRegistry,
	logger *logging.Logger,
	opts ServiceOptions,
) *AssistantService {
	if llm == nil {
		panic("assistant: llm client cannot be nil")
	}
	if nlp == nil {
		panic("assistant: nlp pipeline cannot be nil")
	}
	if contexts == nil {
		panic("assistant: context store cannot be nil")
	}
	if transcripts == nil {
		panic("assistant: transcript store cannot be nil")
	}
	if retriever == nil {
		panic("assistant: retriever cannot be nil")
	}
	if prompts == nil {
		panic("assistant: prompt registry cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = defaultLLMTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}

	return &AssistantService{
		llm:         llm,
		model:       model,
		nlp:         nlp,
		contexts:    contexts,
		transcripts: transcripts,
		retriever:   retriever,
		prompts:     prompts,
		flow:        NewFlowController(),
		booking:     opts.Booking,
		audit:       opts.Audit,
		limiter:     opts.Limiter,
		observer:    opts.Observer,
		llmTimeout:  opts.LLMTimeout,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		tracer:      otel.Tracer("clinica.internal.assistant.service"),
		logger:      logger,
		sessions:    newSessionLocks(),
	}
}

// turnState carries everything prepared before the completion call.
type turnState struct {
	ctx       context.Context
	conv      *ConversationContext
	nlp       NLPResult
	decision  FlowDecision
	prompt    BuiltPrompt
	retrieved RetrievedContext
	started   time.Time
}

// turnCtx returns the request context the turn was prepared under.
func (t *turnState) turnCtx() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// ProcessMessage runs one full blocking turn and returns the assistant's
// reply.
func (s *AssistantService) ProcessMessage(ctx context.Context, userID, sessionID, message string) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.service.process_message")
	defer span.End()

	state, release, err := s.prepareTurn(ctx, userID, sessionID, message)
	if err != nil {
		s.observeTurn("", "rejected", time.Now())
		return nil, err
	}
	defer release()

	reply, llmErr := s.complete(ctx, state.prompt)
	if llmErr != nil {
		span.RecordError(llmErr)
		s.logger.Error("completion failed for turn", "error", llmErr, "user_id", userID)
		state.conv.ErrorCount++
		reply = fallbackReply
	}

	resp := s.buildResponse(state, reply)

	if llmErr == nil && state.decision.ReadyToExecute && s.booking != nil {
		s.executeBooking(ctx, state, resp)
	}

	if err := s.finishTurn(ctx, state, message, resp); err != nil {
		return nil, err
	}

	status := "ok"
	if llmErr != nil {
		status = "degraded"
	}
	s.observeTurn(string(resp.Intent), status, state.started)
	return resp, nil
}

// ProcessMessageStreaming runs the same turn but yields the reply
// incrementally. Exactly one terminal event (complete or error) is emitted.
// Turns that trigger a booking execution are answered non-incrementally so
// the confirmation reflects the collaborator's outcome.
func (s *AssistantService) ProcessMessageStreaming(ctx context.Context, userID, sessionID, message string) (*TurnStream, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.service.process_message_streaming")
	defer span.End()

	state, release, err := s.prepareTurn(ctx, userID, sessionID, message)
	if err != nil {
		s.observeTurn("", "rejected", time.Now())
		return nil, err
	}

	if state.decision.ReadyToExecute && s.booking != nil {
		defer release()
		reply, llmErr := s.complete(ctx, state.prompt)
		if llmErr != nil {
			state.conv.ErrorCount++
			reply = fallbackReply
		}
		resp := s.buildResponse(state, reply)
		if llmErr == nil {
			s.executeBooking(ctx, state, resp)
		}
		if err := s.finishTurn(ctx, state, message, resp); err != nil {
			return nil, err
		}
		s.observeTurn(string(resp.Intent), "ok", state.started)
		return newCompletedTurnStream(resp), nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	chunks, err := s.llm.CompleteStream(llmCtx, LLMRequest{
		Model:       s.model,
		System:      []string{state.prompt.System},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: state.prompt.User}},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		cancel()
		release()
		span.RecordError(err)
		s.observeTurn(string(state.nlp.Intent), "error", state.started)
		return nil, fmt.Errorf("assistant: open completion stream: %w", err)
	}

	stream := newTurnStream(cancel)

	go func() {
		defer release()
		defer stream.finish()

		var forwarded strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				// Persist only what the user actually saw.
				s.persistAbortedTurn(state, message, forwarded.String())
				stream.emitError(chunk.Error)
				s.observeStream("error")
				s.observeTurn(string(state.nlp.Intent), "error", state.started)
				return
			}
			if chunk.Done {
				break
			}
			if chunk.Text == "" {
				continue
			}
			forwarded.WriteString(chunk.Text)
			if !stream.emitMessage(chunk.Text) {
				// Consumer closed the stream mid-reply.
				s.persistAbortedTurn(state, message, forwarded.String())
				s.observeTurn(string(state.nlp.Intent), "aborted", state.started)
				return
			}
			s.observeStream("message")
		}

		resp := s.buildResponse(state, forwarded.String())
		if err := s.finishTurn(context.WithoutCancel(state.turnCtx()), state, message, resp); err != nil {
			stream.emitError(err)
			s.observeStream("error")
			s.observeTurn(string(resp.Intent), "error", state.started)
			return
		}
		stream.emitComplete(resp)
		s.observeStream("complete")
		s.observeTurn(string(resp.Intent), "ok", state.started)
	}()

	return stream, nil
}

// prepareTurn runs everything up to the completion call: validation, rate
// limiting, session locking, context load, NLP, slot merge, flow advance,
// retrieval and prompt construction. On success the session lock is held and
// the returned release func must be called.
func (s *AssistantService) prepareTurn(ctx context.Context, userID, sessionID, message string) (*turnState, func(), error) {
	started := time.Now()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil, fmt.Errorf("assistant: message cannot be empty")
	}
	if userID == "" {
		return nil, nil, fmt.Errorf("assistant: user id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, userID, operationProcessMessage); err != nil {
			return nil, nil, err
		}
	}

	release := s.sessions.acquire(userID + ":" + sessionID)
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	conv, err := s.contexts.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	history := historyAsMessages(conv)
	nlpResult := s.nlp.Process(ctx, message, userID, history)

	if conv == nil {
		conv, err = s.contexts.Create(ctx, userID, sessionID, nlpResult.Intent)
		if err != nil {
			return nil, nil, err
		}
	}

	s.applyExtraction(conv, nlpResult, message)
	decision := s.flow.Advance(conv, nlpResult)
	if decision.RequiresInput && decision.Step == StepConfirmingSlots {
		conv.ClarificationCount++
	}

	retrieved := s.retriever.GetContext(ctx, userID, sessionID, message)

	prompt, err := s.prompts.BuildContextualPrompt(conv, message, map[string]string{
		"knowledge": FormatKnowledge(retrieved.RelevantKnowledge),
	})
	if err != nil {
		return nil, nil, err
	}

	ok = true
	state := &turnState{
		conv:      conv,
		nlp:       nlpResult,
		decision:  decision,
		prompt:    prompt,
		retrieved: retrieved,
		started:   started,
	}
	state.ctx = ctx
	return state, release, nil
}

// autoConfirmableSlots are the slots a high-confidence extraction may accept
// without an explicit confirmation turn. Identity slots (name, phone, the
// appointment being acted on) stay unconfirmed until the user confirms them.
var autoConfirmableSlots = map[string]bool{
	SlotSpecialty:     true,
	SlotPreferredDate: true,
}

// applyExtraction merges the turn's entities into the context's slots. Newly
// filled slots stay unconfirmed; only non-identity slots are accepted on a
// high-confidence extraction. An affirmative answer during confirmation
// confirms everything currently filled.
func (s *AssistantService) applyExtraction(conv *ConversationContext, nlpResult NLPResult, message string) {
	confirming := conv.CurrentStep == StepConfirmingSlots

	conv.UpdateSlots(nlpResult.Entities, nlpResult.Confidence)
	conv.ExtractedEntities = append(conv.ExtractedEntities, nlpResult)

	if nlpResult.Confidence >= autoConfirmConfidence && nlpResult.Entities != nil {
		for name := range nlpResult.Entities.SlotValues() {
			if autoConfirmableSlots[name] {
				conv.ConfirmSlot(name)
			}
		}
	}

	if confirming && isAffirmation(message) {
		for name := range conv.SlotsFilled {
			conv.ConfirmSlot(name)
		}
	}
}

var affirmations = []string{"sim", "confirmo", "correto", "isso", "isso mesmo", "pode ser", "exato", "certo"}

func isAffirmation(message string) bool {
	text := foldText(message)
	text = strings.Trim(text, " .,!")
	for _, word := range affirmations {
		if text == word {
			return true
		}
	}
	return false
}

// complete performs the bounded blocking completion for the prepared prompt.
func (s *AssistantService) complete(ctx context.Context, prompt BuiltPrompt) (string, error) {
	llmCtx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	defer cancel()

	resp, err := s.llm.Complete(llmCtx, LLMRequest{
		Model:       s.model,
		System:      []string{prompt.System},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: prompt.User}},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (s *AssistantService) buildResponse(state *turnState, reply string) *Response {
	resp := &Response{
		Message:       reply,
		Intent:        state.conv.CurrentIntent,
		Confidence:    state.nlp.Confidence,
		NextSteps:     state.decision.NextSteps,
		RequiresInput: state.decision.RequiresInput,
		IsCompleted:   false,
		Data:          map[string]any{},
	}
	if state.decision.EmergencyOverride {
		resp.Data["emergencyOverride"] = true
	}
	if state.decision.IntentSwitched {
		resp.Data["intentSwitched"] = true
	}
	if len(resp.Data) == 0 {
		resp.Data = nil
	}
	return resp
}

// executeBooking calls the downstream collaborator for an actionable intent
// with all slots confirmed. Failure keeps the collected state so the user can
// retry.
func (s *AssistantService) executeBooking(ctx context.Context, state *turnState, resp *Response) {
	refID, err := s.booking.Execute(ctx, state.conv.CurrentIntent, state.conv.UserID, state.conv.SlotsFilled)
	if err != nil {
		s.logger.Error("booking execution failed",
			"error", err,
			"intent", string(state.conv.CurrentIntent),
			"user_id", state.conv.UserID,
		)
		state.conv.ErrorCount++
		resp.Message = "Não consegui concluir a operação agora. Seus dados foram guardados; podemos tentar novamente em instantes."
		resp.RequiresInput = false
		return
	}

	state.conv.IsCompleted = true
	state.conv.CurrentStep = StepCompleted
	resp.IsCompleted = true
	resp.RequiresInput = false
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	resp.Data["referenceId"] = refID
	resp.Message = fmt.Sprintf("%s\n\nProtocolo da operação: %s", resp.Message, refID)
}

// finishTurn persists everything a successful turn produced: the updated
// context, the transcript entries, the audit rows and the retrieval index.
// Only the context write can fail the turn; the rest is best-effort.
func (s *AssistantService) finishTurn(ctx context.Context, state *turnState, userMessage string, resp *Response) error {
	conv := state.conv
	conv.AddMessage(ChatRoleUser, userMessage)
	conv.AddMessage(ChatRoleAssistant, resp.Message)

	if err := s.contexts.Update(ctx, conv); err != nil {
		return err
	}

	if conv.IsCompleted {
		if err := s.contexts.Delete(ctx, conv.UserID, conv.SessionID); err != nil {
			s.logger.Warn("failed to clear completed context", "error", err)
		}
		if err := s.audit.EndConversation(ctx, conv.UserID, conv.SessionID); err != nil {
			s.logger.Warn("failed to end audit conversation", "error", err)
		}
	}

	now := time.Now().UTC()
	if err := s.transcripts.Append(ctx, conv.UserID, conv.SessionID,
		TranscriptEntry{Role: ChatRoleUser, Content: userMessage, Intent: state.nlp.Intent, Timestamp: now},
		TranscriptEntry{Role: ChatRoleAssistant, Content: resp.Message, Intent: conv.CurrentIntent, Timestamp: now},
	); err != nil {
		s.logger.Warn("failed to append transcript", "error", err)
	}

	if err := s.audit.AppendMessage(ctx, conv.UserID, conv.SessionID, MessageRecord{
		Role:       ChatRoleUser,
		Content:    userMessage,
		Intent:     string(state.nlp.Intent),
		Confidence: state.nlp.Confidence,
	}); err != nil {
		s.logger.Warn("failed to audit user message", "error", err)
	}
	if err := s.audit.AppendMessage(ctx, conv.UserID, conv.SessionID, MessageRecord{
		Role:    ChatRoleAssistant,
		Content: resp.Message,
		Intent:  string(conv.CurrentIntent),
	}); err != nil {
		s.logger.Warn("failed to audit assistant message", "error", err)
	}

	s.retriever.IndexTurn(ctx, conv.UserID, conv.SessionID, userMessage, resp.Message)
	return nil
}

// persistAbortedTurn records an interrupted streamed reply. The context keeps
// only the text that was actually forwarded to the user.
func (s *AssistantService) persistAbortedTurn(state *turnState, userMessage, forwarded string) {
	ctx := context.WithoutCancel(state.turnCtx())

	conv := state.conv
	conv.AddMessage(ChatRoleUser, userMessage)
	if forwarded != "" {
		conv.AddMessage(ChatRoleAssistant, forwarded)
	}
	conv.ErrorCount++

	if err := s.contexts.Update(ctx, conv); err != nil {
		s.logger.Warn("failed to persist aborted turn", "error", err)
	}

	entries := []TranscriptEntry{{Role: ChatRoleUser, Content: userMessage, Intent: state.nlp.Intent}}
	if forwarded != "" {
		entries = append(entries, TranscriptEntry{Role: ChatRoleAssistant, Content: forwarded, Intent: conv.CurrentIntent})
	}
	if err := s.transcripts.Append(ctx, conv.UserID, conv.SessionID, entries...); err != nil {
		s.logger.Warn("failed to append aborted transcript", "error", err)
	}
}

// History returns the most recent limit transcript entries for the session.
func (s *AssistantService) History(ctx context.Context, userID, sessionID string, limit int) ([]TranscriptEntry, error) {
	return s.transcripts.List(ctx, userID, sessionID, limit)
}

// StartSession creates a fresh session id and its audit record.
func (s *AssistantService) StartSession(ctx context.Context, userID string) (string, error) {
	sessionID := uuid.NewString()
	if _, err := s.audit.EnsureConversation(ctx, userID, sessionID); err != nil {
		s.logger.Warn("failed to create audit conversation", "error", err)
	}
	return sessionID, nil
}

// Health reports per-dependency reachability.
func (s *AssistantService) Health(ctx context.Context) map[string]bool {
	health := map[string]bool{
		"contextStore":  s.contexts.Ping(ctx) == nil,
		"vectorStore":   s.retriever.vectors.Ping(ctx) == nil,
		"auditDatabase": s.audit.PingDB(ctx) == nil,
	}
	return health
}

func (s *AssistantService) observeTurn(intent, status string, started time.Time) {
	if s.observer == nil {
		return
	}
	if intent == "" {
		intent = string(IntentDesconhecido)
	}
	s.observer.ObserveTurn(intent, status, time.Since(started).Seconds())
}

func (s *AssistantService) observeStream(event string) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveStreamEvent(event)
}

func historyAsMessages(conv *ConversationContext) []ChatMessage {
	if conv == nil {
		return nil
	}
	messages := make([]ChatMessage, 0, len(conv.ConversationHistory))
	for _, entry := range conv.ConversationHistory {
		messages = append(messages, ChatMessage{Role: entry.Role, Content: entry.Content})
	}
	return messages
}

// sessionLocks serializes turns per session with reference-counted mutexes,
// so idle sessions hold no memory.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the key's lock is held and returns its release func.
func (l *sessionLocks) acquire(key string) func() {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sessionLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()
			l.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}
