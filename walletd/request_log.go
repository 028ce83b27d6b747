package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

const (
	// maxFutureSkew bounds how far ahead of our clock a request may be dated.
	maxFutureSkew = 60 * time.Second

	responseCacheSize = 4096
)

var (
	ErrEventTooOld   = errors.New("event is older than the request log horizon")
	ErrEventInFuture = errors.New("event timestamp is in the future")
)

// ClaimResult says what to do with a request event.
type ClaimResult int

const (
	// ClaimFresh: first sighting, the caller owns processing.
	ClaimFresh ClaimResult = iota
	// ClaimInFlight: another copy is being processed right now.
	ClaimInFlight
	// ClaimDone: already answered; the cached response, if any, is returned.
	ClaimDone
)

// RequestLog suppresses duplicate request events. Claims are atomic: of any
// number of concurrent Claim calls for one event id, exactly one gets
// ClaimFresh. Records are persisted so duplicates are recognised across
// restarts within the horizon.
type RequestLog struct {
	store   EventLog
	horizon time.Duration

	mu       sync.Mutex
	inFlight map[string]time.Time

	responses *lru.Cache[string, *nostr.Event]
}

// NewRequestLog returns a log keeping records for horizon.
func NewRequestLog(store EventLog, horizon time.Duration) *RequestLog {
	cache, err := lru.New[string, *nostr.Event](responseCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &RequestLog{
		store:     store,
		horizon:   horizon,
		inFlight:  make(map[string]time.Time),
		responses: cache,
	}
}

// CheckFreshness rejects events a replay could use to outlive their record.
func (l *RequestLog) CheckFreshness(createdAt, now time.Time) error {
	if createdAt.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("%w: %s ahead", ErrEventInFuture, createdAt.Sub(now))
	}
	if now.Sub(createdAt) > l.horizon {
		return fmt.Errorf("%w: age %s", ErrEventTooOld, now.Sub(createdAt))
	}
	return nil
}

// Claim atomically records eventID, dated createdAt, for connID.
func (l *RequestLog) Claim(eventID, connID string, createdAt, now time.Time) (ClaimResult, *nostr.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.inFlight[eventID]; ok {
		return ClaimInFlight, nil, nil
	}
	if resp, ok := l.responses.Get(eventID); ok {
		return ClaimDone, resp, nil
	}

	rec, claimed, err := l.store.ClaimEvent(eventID, connID, createdAt, now)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to claim event: %w", err)
	}
	if claimed {
		l.inFlight[eventID] = now
		return ClaimFresh, nil, nil
	}

	// Recorded by an earlier run.
	if rec.Status != storage.EventDone {
		return ClaimInFlight, nil, nil
	}
	var resp *nostr.Event
	if rec.Response != "" {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(rec.Response), &ev); err == nil {
			resp = &ev
			l.responses.Add(eventID, resp)
		} else {
			log.Warn().Err(err).Str("event_id", shortEventID(eventID)).Msg("Stored response is unreadable")
		}
	}
	return ClaimDone, resp, nil
}

// Complete marks eventID answered with resp.
func (l *RequestLog) Complete(eventID string, resp *nostr.Event) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.responses.Add(eventID, resp)
	delete(l.inFlight, eventID)
	if err := l.store.CompleteEvent(eventID, string(raw)); err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Abandon marks eventID done without a response. The request may already
// have moved funds, so duplicates are suppressed rather than reprocessed.
func (l *RequestLog) Abandon(eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inFlight, eventID)
	if err := l.store.CompleteEvent(eventID, ""); err != nil {
		return fmt.Errorf("failed to abandon event: %w", err)
	}
	return nil
}

// Prune drops records no replay could still match. CheckFreshness accepts an
// event until horizon past its own timestamp, which may lead our clock by up
// to maxFutureSkew, so records are kept that much longer.
func (l *RequestLog) Prune(now time.Time) (int64, error) {
	cutoff := now.Add(-l.horizon - maxFutureSkew)

	l.mu.Lock()
	for id, at := range l.inFlight {
		if at.Before(cutoff) {
			delete(l.inFlight, id)
		}
	}
	l.mu.Unlock()

	return l.store.PruneEvents(cutoff)
}

func shortEventID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
