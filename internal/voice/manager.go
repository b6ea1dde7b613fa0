package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultNotifyHangupDelay is how long a notify-mode call stays up after
// its initial message.
const DefaultNotifyHangupDelay = 3 * time.Second

// CallManager owns the lifecycle of every call. Events for one call are
// applied one at a time; different calls proceed independently.
//
// Lock order: callEntry.mu before CallManager.mu. Provider calls and the
// ended callback run with no lock held.
type CallManager struct {
	provider          Provider
	store             CallStore
	logger            *slog.Logger
	webhookURL        string
	fromNumber        string
	notifyHangupDelay time.Duration
	onEnded           func(context.Context, *CallRecord)
	now               func() time.Time

	gateMu sync.RWMutex
	gate   inboundGate

	mu           sync.Mutex
	calls        map[string]*callEntry
	byProviderID map[string]string
}

type callEntry struct {
	mu     sync.Mutex
	record *CallRecord
	seen   map[string]struct{}
}

func newCallEntry(record *CallRecord) *callEntry {
	seen := make(map[string]struct{}, len(record.ProcessedEventIDs))
	for _, id := range record.ProcessedEventIDs {
		seen[id] = struct{}{}
	}
	return &callEntry{record: record, seen: seen}
}

// ManagerConfig holds configuration for the call manager.
type ManagerConfig struct {
	// Provider is the telephony provider to use
	Provider Provider

	// Store persists records. Optional.
	Store CallStore

	Logger *slog.Logger

	// WebhookURL is handed to the provider for outbound status callbacks.
	WebhookURL string

	// FromNumber is the default caller id for outbound calls.
	FromNumber string

	InboundPolicy InboundPolicy
	AllowFrom     []string

	// NotifyHangupDelay defaults to DefaultNotifyHangupDelay.
	NotifyHangupDelay time.Duration

	// OnCallEnded fires at most once per call, after it reaches a terminal state.
	OnCallEnded func(context.Context, *CallRecord)
}

// NewCallManager creates a new call manager.
func NewCallManager(cfg ManagerConfig) (*CallManager, error) {
	if cfg.Provider == nil {
		return nil, ErrProviderRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.NotifyHangupDelay
	if delay <= 0 {
		delay = DefaultNotifyHangupDelay
	}

	return &CallManager{
		provider:          cfg.Provider,
		store:             cfg.Store,
		logger:            logger.With("component", "voice"),
		webhookURL:        cfg.WebhookURL,
		fromNumber:        cfg.FromNumber,
		notifyHangupDelay: delay,
		onEnded:           cfg.OnCallEnded,
		now:               time.Now,
		gate:              newInboundGate(cfg.InboundPolicy, cfg.AllowFrom),
		calls:             make(map[string]*callEntry),
		byProviderID:      make(map[string]string),
	}, nil
}

// SetInboundPolicy swaps the inbound policy. Calls already tracked are unaffected.
func (m *CallManager) SetInboundPolicy(policy InboundPolicy, allowFrom []string) {
	gate := newInboundGate(policy, allowFrom)
	m.gateMu.Lock()
	m.gate = gate
	m.gateMu.Unlock()
	m.logger.Info("inbound policy updated", "policy", string(gate.policy), "allowlist_size", len(gate.allow))
}

// InitiateOptions customizes an outbound call.
type InitiateOptions struct {
	From    string
	Message string
	Mode    CallMode
}

// InitiateCall places an outbound call and returns its internal id. No
// record is created when the provider refuses the call.
func (m *CallManager) InitiateCall(ctx context.Context, to string, opts InitiateOptions) (string, error) {
	if to == "" {
		return "", errors.New("voice: destination number is required")
	}
	from := opts.From
	if from == "" {
		from = m.fromNumber
	}
	if from == "" {
		return "", errors.New("voice: from number is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeConversation
	}

	callID := uuid.NewString()
	result, err := m.provider.InitiateCall(ctx, &InitiateCallInput{
		CallID:     callID,
		From:       from,
		To:         to,
		WebhookURL: m.webhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("voice: initiate call: %w", err)
	}

	record := &CallRecord{
		CallID:         callID,
		ProviderCallID: result.ProviderCallID,
		Provider:       m.provider.Name(),
		Direction:      DirectionOutbound,
		State:          StateInitiated,
		From:           from,
		To:             to,
		StartedAt:      m.now(),
		Transcript:     []TranscriptEntry{},
		Metadata:       map[string]any{MetaMode: string(mode)},
	}
	if opts.Message != "" {
		record.Metadata[MetaInitialMessage] = opts.Message
	}

	entry := newCallEntry(record)
	entry.mu.Lock()
	m.mu.Lock()
	m.calls[callID] = entry
	if record.ProviderCallID != "" {
		m.byProviderID[record.ProviderCallID] = callID
	}
	m.mu.Unlock()
	m.persistLocked(ctx, entry)
	entry.mu.Unlock()

	m.logger.Info("outbound call initiated",
		"call_id", callID,
		"provider_call_id", result.ProviderCallID,
		"mode", string(mode),
	)
	return callID, nil
}

// ProcessEvent applies one normalized event. Duplicate and late events are
// absorbed without error.
func (m *CallManager) ProcessEvent(ctx context.Context, event *CallEvent) error {
	_, err := m.ApplyEvent(ctx, event)
	return err
}

// ApplyEvent is ProcessEvent that also reports whether the event took
// effect. It is false for duplicates, events for unknown calls and events
// arriving after the call ended. The check and the apply happen under the
// call's lock, so concurrent redeliveries see exactly one true.
func (m *CallManager) ApplyEvent(ctx context.Context, event *CallEvent) (bool, error) {
	if event == nil {
		return false, errors.New("voice: nil event")
	}
	entry := m.lookup(event.ProviderCallID, event.CallID)
	if entry == nil {
		if event.Type != EventCallInitiated || event.Direction != DirectionInbound {
			m.logger.Debug("event for unknown call",
				"call_id", event.CallID,
				"provider_call_id", event.ProviderCallID,
				"event_type", string(event.Type),
			)
			return false, nil
		}
		var err error
		entry, err = m.acceptInbound(ctx, event)
		if err != nil {
			return false, err
		}
	}
	return m.apply(ctx, entry, event), nil
}

func (m *CallManager) acceptInbound(ctx context.Context, event *CallEvent) (*callEntry, error) {
	m.gateMu.RLock()
	gate := m.gate
	m.gateMu.RUnlock()

	if !gate.allows(event.From) {
		m.logger.Warn("inbound call rejected",
			"provider_call_id", event.ProviderCallID,
			"from", event.From,
			"policy", string(gate.policy),
		)
		if err := m.provider.HangupCall(ctx, &HangupCallInput{
			CallID:         event.CallID,
			ProviderCallID: event.ProviderCallID,
			Reason:         EndReasonHangupBot,
		}); err != nil {
			m.logger.Warn("hangup of rejected call failed",
				"provider_call_id", event.ProviderCallID,
				"error", err,
			)
		}
		return nil, ErrInboundRejected
	}

	callID := event.CallID
	if callID == "" || callID == event.ProviderCallID {
		callID = uuid.NewString()
	}
	startedAt := event.Timestamp
	if startedAt.IsZero() {
		startedAt = m.now()
	}
	record := &CallRecord{
		CallID:         callID,
		ProviderCallID: event.ProviderCallID,
		Provider:       m.provider.Name(),
		Direction:      DirectionInbound,
		State:          StateInitiated,
		From:           event.From,
		To:             event.To,
		StartedAt:      startedAt,
		Transcript:     []TranscriptEntry{},
		Metadata:       map[string]any{MetaMode: string(ModeConversation)},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent delivery of the same call may have won the race.
	if existing := m.lookupLocked(event.ProviderCallID, event.CallID); existing != nil {
		return existing, nil
	}
	entry := newCallEntry(record)
	m.calls[callID] = entry
	if record.ProviderCallID != "" {
		m.byProviderID[record.ProviderCallID] = callID
	}
	m.logger.Info("inbound call accepted",
		"call_id", callID,
		"provider_call_id", record.ProviderCallID,
	)
	return entry, nil
}

type sideEffects struct {
	ended          *CallRecord
	initialMessage string
	mode           CallMode
}

// apply reports whether the event changed the call.
func (m *CallManager) apply(ctx context.Context, entry *callEntry, event *CallEvent) bool {
	entry.mu.Lock()
	record := entry.record

	if event.ID != "" {
		if _, dup := entry.seen[event.ID]; dup {
			entry.mu.Unlock()
			m.logger.Debug("duplicate event ignored",
				"call_id", record.CallID,
				"event_id", event.ID,
				"event_type", string(event.Type),
			)
			return false
		}
		entry.seen[event.ID] = struct{}{}
		record.ProcessedEventIDs = append(record.ProcessedEventIDs, event.ID)
	}

	m.promoteLocked(record, event.ProviderCallID)

	if record.State.IsTerminal() {
		m.persistLocked(ctx, entry)
		entry.mu.Unlock()
		m.logger.Debug("event after call ended",
			"call_id", record.CallID,
			"event_type", string(event.Type),
		)
		return false
	}

	at := event.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	var fx sideEffects
	switch event.Type {
	case EventCallInitiated:
		if record.From == "" {
			record.From = event.From
		}
		if record.To == "" {
			record.To = event.To
		}
	case EventCallRinging:
		advance(record, StateRinging)
	case EventCallAnswered, EventCallActive:
		target := StateAnswered
		if event.Type == EventCallActive {
			target = StateActive
		}
		advance(record, target)
		if record.AnsweredAt == nil && record.State.IsConnected() {
			record.AnsweredAt = &at
		}
		if msg, ok := record.Metadata[MetaInitialMessage].(string); ok && msg != "" {
			if sent, _ := record.Metadata[MetaInitialMessageSent].(bool); !sent {
				record.Metadata[MetaInitialMessageSent] = true
				fx.initialMessage = msg
				fx.mode = record.Mode()
			}
		}
	case EventCallSpeech:
		if event.Transcript != "" {
			record.Transcript = append(record.Transcript, TranscriptEntry{
				Timestamp: at,
				Speaker:   SpeakerUser,
				Text:      event.Transcript,
				IsFinal:   event.IsFinal,
			})
		}
	case EventCallDTMF:
		if record.Metadata == nil {
			record.Metadata = make(map[string]any)
		}
		record.Metadata[MetaLastDigits] = event.Digits
	case EventCallEnded:
		reason := event.Reason
		if reason == "" {
			reason = EndReasonCompleted
		}
		if m.endLocked(record, reason, at) {
			fx.ended = record.Clone()
		}
	case EventCallError:
		if record.Metadata == nil {
			record.Metadata = make(map[string]any)
		}
		record.Metadata[MetaLastError] = event.Error
		if !event.Retryable && m.endLocked(record, EndReasonError, at) {
			fx.ended = record.Clone()
		}
	}

	m.persistLocked(ctx, entry)
	callID := record.CallID
	entry.mu.Unlock()

	if fx.ended != nil {
		m.notifyEnded(ctx, entry, fx.ended)
	}
	if fx.initialMessage != "" {
		go m.deliverInitialMessage(context.WithoutCancel(ctx), callID, fx.initialMessage, fx.mode)
	}
	return true
}

func advance(record *CallRecord, to CallState) {
	if to.rank() > record.State.rank() {
		record.State = to
	}
}

// endLocked moves the record into its terminal state and reports whether
// the caller claimed the ended notification.
func (m *CallManager) endLocked(record *CallRecord, reason EndReason, at time.Time) bool {
	record.State = reason.terminalState()
	record.EndReason = reason
	record.EndedAt = &at
	if record.EndNotice != EndNoticePending {
		return false
	}
	record.EndNotice = EndNoticeClaimed
	return true
}

// promoteLocked rebinds the provider index when a provider reports a new
// call id. Caller holds the entry lock.
func (m *CallManager) promoteLocked(record *CallRecord, providerCallID string) {
	if providerCallID == "" || providerCallID == record.ProviderCallID {
		return
	}
	old := record.ProviderCallID
	m.mu.Lock()
	if old != "" && m.byProviderID[old] == record.CallID {
		delete(m.byProviderID, old)
	}
	m.byProviderID[providerCallID] = record.CallID
	m.mu.Unlock()
	record.ProviderCallID = providerCallID
	m.logger.Info("provider call id updated",
		"call_id", record.CallID,
		"provider_call_id", providerCallID,
		"previous_provider_call_id", old,
	)
}

func (m *CallManager) notifyEnded(ctx context.Context, entry *callEntry, snapshot *CallRecord) {
	m.logger.Info("call ended",
		"call_id", snapshot.CallID,
		"provider_call_id", snapshot.ProviderCallID,
		"reason", string(snapshot.EndReason),
	)
	if m.onEnded != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("call ended callback panicked",
						"call_id", snapshot.CallID,
						"panic", r,
					)
				}
			}()
			m.onEnded(ctx, snapshot)
		}()
	}

	entry.mu.Lock()
	entry.record.EndNotice = EndNoticeDelivered
	m.persistLocked(ctx, entry)
	entry.mu.Unlock()
}

func (m *CallManager) deliverInitialMessage(ctx context.Context, callID, message string, mode CallMode) {
	if err := m.SpeakToUser(ctx, callID, message); err != nil {
		m.logger.Warn("initial message failed", "call_id", callID, "error", err)
		return
	}
	if mode != ModeNotify {
		return
	}
	time.AfterFunc(m.notifyHangupDelay, func() {
		if err := m.EndCall(ctx, callID); err != nil && !errors.Is(err, ErrCallNotActive) {
			m.logger.Warn("notify hangup failed", "call_id", callID, "error", err)
		}
	})
}

// SpeakOptions tunes a single Speak call.
type SpeakOptions struct {
	// SkipTranscript plays the text without recording a bot entry.
	SkipTranscript bool
}

// SpeakToUser plays text on the call and records it in the transcript.
func (m *CallManager) SpeakToUser(ctx context.Context, callID, text string) error {
	return m.Speak(ctx, callID, text, SpeakOptions{})
}

// Speak plays text on the call.
func (m *CallManager) Speak(ctx context.Context, callID, text string, opts SpeakOptions) error {
	entry := m.entry(callID)
	if entry == nil {
		return ErrCallNotFound
	}
	entry.mu.Lock()
	if entry.record.State.IsTerminal() {
		entry.mu.Unlock()
		return ErrCallNotActive
	}
	providerCallID := entry.record.ProviderCallID
	entry.mu.Unlock()

	if err := m.provider.PlayTTS(ctx, &PlayTTSInput{
		CallID:         callID,
		ProviderCallID: providerCallID,
		Text:           text,
	}); err != nil {
		return fmt.Errorf("voice: play tts: %w", err)
	}
	if opts.SkipTranscript {
		return nil
	}

	entry.mu.Lock()
	entry.record.Transcript = append(entry.record.Transcript, TranscriptEntry{
		Timestamp: m.now(),
		Speaker:   SpeakerBot,
		Text:      text,
		IsFinal:   true,
	})
	m.persistLocked(ctx, entry)
	entry.mu.Unlock()
	return nil
}

// EndCall hangs up a connected call on the bot's behalf.
func (m *CallManager) EndCall(ctx context.Context, callID string) error {
	entry := m.entry(callID)
	if entry == nil {
		return ErrCallNotFound
	}
	entry.mu.Lock()
	if !entry.record.State.IsConnected() {
		entry.mu.Unlock()
		return ErrCallNotActive
	}
	providerCallID := entry.record.ProviderCallID
	entry.mu.Unlock()

	if err := m.provider.HangupCall(ctx, &HangupCallInput{
		CallID:         callID,
		ProviderCallID: providerCallID,
		Reason:         EndReasonHangupBot,
	}); err != nil {
		return fmt.Errorf("voice: hangup: %w", err)
	}

	entry.mu.Lock()
	var snapshot *CallRecord
	if !entry.record.State.IsTerminal() && m.endLocked(entry.record, EndReasonHangupBot, m.now()) {
		snapshot = entry.record.Clone()
	}
	m.persistLocked(ctx, entry)
	entry.mu.Unlock()

	if snapshot != nil {
		m.notifyEnded(ctx, entry, snapshot)
	}
	return nil
}

// GetCall returns a snapshot of a tracked call.
func (m *CallManager) GetCall(callID string) (*CallRecord, bool) {
	entry := m.entry(callID)
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Clone(), true
}

// LookupCall returns a tracked call, falling back to the store for calls
// that have been evicted from memory.
func (m *CallManager) LookupCall(ctx context.Context, callID string) (*CallRecord, error) {
	if record, ok := m.GetCall(callID); ok {
		return record, nil
	}
	if m.store == nil {
		return nil, ErrCallNotFound
	}
	return m.store.GetCall(ctx, callID)
}

// GetCallByProviderCallID returns a snapshot of the call bound to a provider id.
func (m *CallManager) GetCallByProviderCallID(providerCallID string) (*CallRecord, bool) {
	m.mu.Lock()
	callID, ok := m.byProviderID[providerCallID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.GetCall(callID)
}

// ResolveCallID maps an event's identifiers to an internal call id, trying
// the provider id first. It returns "" for unknown calls.
func (m *CallManager) ResolveCallID(providerCallID, callID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if providerCallID != "" {
		if id, ok := m.byProviderID[providerCallID]; ok {
			return id
		}
	}
	if _, ok := m.calls[callID]; ok {
		return callID
	}
	return ""
}

// ActiveCalls returns snapshots of every call that has not ended.
func (m *CallManager) ActiveCalls() []*CallRecord {
	m.mu.Lock()
	entries := make([]*callEntry, 0, len(m.calls))
	for _, entry := range m.calls {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	active := make([]*CallRecord, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.record.State.IsTerminal() {
			active = append(active, entry.record.Clone())
		}
		entry.mu.Unlock()
	}
	return active
}

// EvictEnded drops ended calls whose notification has been delivered and
// which ended before olderThan ago. It returns the evicted call ids.
func (m *CallManager) EvictEnded(olderThan time.Duration) []string {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	candidates := make(map[string]*callEntry, len(m.calls))
	for id, entry := range m.calls {
		candidates[id] = entry
	}
	m.mu.Unlock()

	var evicted []string
	for id, entry := range candidates {
		entry.mu.Lock()
		record := entry.record
		expired := record.State.IsTerminal() &&
			record.EndNotice == EndNoticeDelivered &&
			record.EndedAt != nil && record.EndedAt.Before(cutoff)
		if expired {
			m.mu.Lock()
			delete(m.calls, id)
			if m.byProviderID[record.ProviderCallID] == id {
				delete(m.byProviderID, record.ProviderCallID)
			}
			m.mu.Unlock()
			evicted = append(evicted, id)
		}
		entry.mu.Unlock()
	}
	if len(evicted) > 0 {
		m.logger.Debug("evicted ended calls", "count", len(evicted))
	}
	return evicted
}

func (m *CallManager) entry(callID string) *callEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callID]
}

func (m *CallManager) lookup(providerCallID, callID string) *callEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(providerCallID, callID)
}

func (m *CallManager) lookupLocked(providerCallID, callID string) *callEntry {
	if providerCallID != "" {
		if id, ok := m.byProviderID[providerCallID]; ok {
			if entry, ok := m.calls[id]; ok {
				return entry
			}
		}
	}
	if callID != "" {
		return m.calls[callID]
	}
	return nil
}

// persistLocked writes the entry's record to the store. Caller holds the
// entry lock so writes for one call land in order.
func (m *CallManager) persistLocked(ctx context.Context, entry *callEntry) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveCall(ctx, entry.record.Clone()); err != nil {
		m.logger.Error("failed to persist call",
			"call_id", entry.record.CallID,
			"error", err,
		)
	}
}
