package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/samber/lo"
)

const (
	DefaultRingTimeout   = 30 * time.Second
	DefaultActiveTimeout = time.Hour

	lockStripes = 64
)

var ErrRecipientBusy = fmt.Errorf("%w: recipient is in another call", ErrInvalidState)

type CallRepository interface {
	CreateCall(ctx context.Context, call CallRecord) (CallRecord, error)
	GetCall(ctx context.Context, callId string) (CallRecord, error)
	// UpdateCall applies update to the stored record atomically. The record is
	// left untouched when update returns an error.
	UpdateCall(ctx context.Context, callId string, update func(call *CallRecord) error) (CallRecord, error)
	// GetPartyCalls returns calls involving the party as caller or recipient,
	// restricted to statuses when any are given.
	GetPartyCalls(ctx context.Context, partyId string, statuses ...CallStatus) ([]CallRecord, error)
	// DeleteExpiredCalls removes calls that expired, or reached a terminal status, before the cutoff.
	DeleteExpiredCalls(ctx context.Context, before time.Time) (int, error)
}

// CallStart is the outcome of initiating a call.
type CallStart struct {
	Call CallRecord
	// Superseded holds the caller's previous calls that were ended to make room for Call.
	Superseded []CallRecord
}

// CallCoordinator owns the call record state machine:
// pending -> accepted | rejected, {pending, accepted} -> ended.
// A call past its expiry is treated as absent on every read.
type CallCoordinator struct {
	storage       CallRepository
	log           *slog.Logger
	ringTimeout   time.Duration
	activeTimeout time.Duration
	now           func() time.Time

	// Striped by party id; parties sharing a stripe serialize against each other.
	locks [lockStripes]sync.Mutex
}

func NewCallCoordinator(storage CallRepository, log *slog.Logger, ringTimeout, activeTimeout time.Duration) *CallCoordinator {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	if activeTimeout <= 0 {
		activeTimeout = DefaultActiveTimeout
	}
	return &CallCoordinator{
		storage:       storage,
		log:           log,
		ringTimeout:   ringTimeout,
		activeTimeout: activeTimeout,
		now:           time.Now,
	}
}

// WithClock replaces the time source.
func (c *CallCoordinator) WithClock(now func() time.Time) *CallCoordinator {
	c.now = now
	return c
}

// InitiateCall creates a pending call from callerId to recipientId. Any active call
// of the caller is ended first, so a party never has two active calls.
func (c *CallCoordinator) InitiateCall(ctx context.Context, callerId string, recipientId string, media MediaFlags) (CallStart, error) {
	if callerId == "" || recipientId == "" || callerId == recipientId {
		return CallStart{}, fmt.Errorf("%w: a call needs two distinct parties", ErrInvalidPayload)
	}

	unlock := c.lock(callerId, recipientId)
	defer unlock()

	recipientCalls, err := c.activeCalls(ctx, recipientId)
	if err != nil {
		return CallStart{}, err
	}
	busy := lo.ContainsBy(recipientCalls, func(call CallRecord) bool {
		return !call.Involves(callerId)
	})
	if busy {
		return CallStart{}, ErrRecipientBusy
	}

	callerCalls, err := c.activeCalls(ctx, callerId)
	if err != nil {
		return CallStart{}, err
	}

	var superseded []CallRecord
	for _, previous := range callerCalls {
		ended, err := c.storage.UpdateCall(ctx, previous.Id, func(call *CallRecord) error {
			if !call.IsActive(c.now()) {
				return ErrInvalidState
			}
			call.Status = CallEnded
			call.UpdatedAt = c.now().UTC()
			return nil
		})
		if errors.Is(err, ErrInvalidState) {
			// Ended or expired since it was read.
			continue
		}
		if err != nil {
			c.log.Warn("Unable to end superseded call", "callId", previous.Id, "error", err)
			return CallStart{}, err
		}
		superseded = append(superseded, ended)
	}

	now := c.now().UTC()
	call, err := c.storage.CreateCall(ctx, CallRecord{
		CallerId:    callerId,
		RecipientId: recipientId,
		Status:      CallPending,
		Media:       media,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(c.ringTimeout),
	})
	if err != nil {
		return CallStart{}, err
	}

	c.log.Info("Call initiated", "callId", call.Id, "callerId", callerId, "recipientId", recipientId,
		"superseded", len(superseded))
	return CallStart{Call: call, Superseded: superseded}, nil
}

// RespondToCall moves a pending call to accepted or rejected. Only the recipient may respond.
func (c *CallCoordinator) RespondToCall(ctx context.Context, callId string, responderId string, accept bool) (CallRecord, error) {
	return c.storage.UpdateCall(ctx, callId, func(call *CallRecord) error {
		if call.RecipientId != responderId {
			return ErrNotParticipant
		}
		now := c.now()
		if call.Status != CallPending || !call.IsActive(now) {
			return fmt.Errorf("%w: call %s is %s", ErrInvalidState, call.Id, describeStatus(*call, now))
		}
		if accept {
			call.Status = CallAccepted
			call.ExpiresAt = now.UTC().Add(c.activeTimeout)
		} else {
			call.Status = CallRejected
		}
		call.UpdatedAt = now.UTC()
		return nil
	})
}

// EndCall moves a pending or accepted call to ended. Either participant may end it.
func (c *CallCoordinator) EndCall(ctx context.Context, callId string, partyId string) (CallRecord, error) {
	return c.storage.UpdateCall(ctx, callId, func(call *CallRecord) error {
		if !call.Involves(partyId) {
			return ErrNotParticipant
		}
		now := c.now()
		if !call.IsActive(now) {
			return fmt.Errorf("%w: call %s is %s", ErrInvalidState, call.Id, describeStatus(*call, now))
		}
		call.Status = CallEnded
		call.UpdatedAt = now.UTC()
		return nil
	})
}

// ActiveCall returns the pending or accepted call involving partyId, if any.
func (c *CallCoordinator) ActiveCall(ctx context.Context, partyId string) (CallRecord, bool, error) {
	calls, err := c.activeCalls(ctx, partyId)
	if err != nil {
		return CallRecord{}, false, err
	}
	if len(calls) == 0 {
		return CallRecord{}, false, nil
	}
	return lo.MaxBy(calls, func(a, b CallRecord) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), true, nil
}

// ActiveCallWith returns the active call between partyId and counterpartId.
func (c *CallCoordinator) ActiveCallWith(ctx context.Context, partyId string, counterpartId string) (CallRecord, error) {
	call, ok, err := c.ActiveCall(ctx, partyId)
	if err != nil {
		return CallRecord{}, err
	}
	if !ok || call.Counterpart(partyId) != counterpartId {
		return CallRecord{}, fmt.Errorf("%w: no active call between %s and %s", ErrCallNotFound, partyId, counterpartId)
	}
	return call, nil
}

// UpdateMedia applies a JSON Patch document to the media flags of an active call.
func (c *CallCoordinator) UpdateMedia(ctx context.Context, callId string, partyId string, patchJSON []byte) (CallRecord, error) {
	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return CallRecord{}, fmt.Errorf("%w: decoding json patch: %v", ErrInvalidPayload, err)
	}

	return c.storage.UpdateCall(ctx, callId, func(call *CallRecord) error {
		if !call.Involves(partyId) {
			return ErrNotParticipant
		}
		if !call.IsActive(c.now()) {
			return fmt.Errorf("%w: call %s is not active", ErrInvalidState, call.Id)
		}

		mediaJSON, err := json.Marshal(call.Media)
		if err != nil {
			return err
		}
		mediaJSON, err = patch.Apply(mediaJSON)
		if err != nil {
			return fmt.Errorf("%w: applying json patch: %v", ErrInvalidPayload, err)
		}

		var media MediaFlags
		if err := json.Unmarshal(mediaJSON, &media); err != nil {
			return fmt.Errorf("%w: patched media flags: %v", ErrInvalidPayload, err)
		}
		call.Media = media
		call.UpdatedAt = c.now().UTC()
		return nil
	})
}

// Sweep deletes call records that expired or ended more than retention ago.
func (c *CallCoordinator) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	return c.storage.DeleteExpiredCalls(ctx, c.now().UTC().Add(-retention))
}

// RunSweeper sweeps every interval until ctx is done.
func (c *CallCoordinator) RunSweeper(ctx context.Context, interval time.Duration, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Context done, stopping call sweeper")
			return
		case <-ticker.C:
			deleted, err := c.Sweep(ctx, retention)
			if err != nil {
				c.log.Error("Unable to sweep expired calls", "error", err)
				continue
			}
			if deleted > 0 {
				c.log.Info("Swept expired calls", "deleted", deleted)
			}
		}
	}
}

func (c *CallCoordinator) activeCalls(ctx context.Context, partyId string) ([]CallRecord, error) {
	calls, err := c.storage.GetPartyCalls(ctx, partyId, CallPending, CallAccepted)
	if err != nil {
		return nil, err
	}
	now := c.now()
	return lo.Filter(calls, func(call CallRecord, _ int) bool {
		return call.IsActive(now)
	}), nil
}

// lock serializes call initiation for the given parties within this process.
func (c *CallCoordinator) lock(partyIds ...string) func() {
	stripes := lo.Uniq(lo.Map(partyIds, func(id string, _ int) int {
		return lockStripe(id)
	}))
	sort.Ints(stripes)

	for _, stripe := range stripes {
		c.locks[stripe].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			c.locks[stripes[i]].Unlock()
		}
	}
}

func lockStripe(partyId string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partyId))
	return int(h.Sum32() % lockStripes)
}

func describeStatus(call CallRecord, now time.Time) string {
	if (call.Status == CallPending || call.Status == CallAccepted) && now.After(call.ExpiresAt) {
		return "expired"
	}
	return string(call.Status)
}
