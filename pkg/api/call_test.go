package api_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"realtimeService/pkg/api"
	"realtimeService/pkg/repository"
)

var bothMedia = api.MediaFlags{AudioEnabled: true, VideoEnabled: true}

func TestCallCoordinator_InitiateCall(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)

	req.NoError(err)
	req.Empty(start.Superseded)
	call := start.Call
	req.NotEmpty(call.Id)
	req.Equal(api.CallPending, call.Status)
	req.Equal(env.clock.Now().Add(30*time.Second), call.ExpiresAt)

	active, ok, err := env.calls.ActiveCall(t.Context(), "u2")
	req.NoError(err)
	req.True(ok)
	req.Equal(call.Id, active.Id)
}

func TestCallCoordinator_InitiateCallRejectsSelfCall(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.calls.InitiateCall(t.Context(), "u1", "u1", bothMedia)

	require.ErrorIs(t, err, api.ErrInvalidPayload)
}

func TestCallCoordinator_AcceptExtendsExpiry(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	env.clock.Advance(10 * time.Second)
	call, err := env.calls.RespondToCall(t.Context(), start.Call.Id, "u2", true)

	req.NoError(err)
	req.Equal(api.CallAccepted, call.Status)
	req.Equal(env.clock.Now().Add(time.Hour), call.ExpiresAt)

	// Answering twice is a state error
	_, err = env.calls.RespondToCall(t.Context(), call.Id, "u2", true)
	req.ErrorIs(err, api.ErrInvalidState)
}

func TestCallCoordinator_OnlyRecipientResponds(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	_, err = env.calls.RespondToCall(t.Context(), start.Call.Id, "u1", true)
	req.ErrorIs(err, api.ErrInvalidState)

	_, err = env.calls.RespondToCall(t.Context(), "missing", "u2", true)
	req.ErrorIs(err, api.ErrNotFound)

	// The call is untouched
	call, err := env.store.GetCall(t.Context(), start.Call.Id)
	req.NoError(err)
	req.Equal(api.CallPending, call.Status)
}

func TestCallCoordinator_RejectIsTerminal(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	call, err := env.calls.RespondToCall(t.Context(), start.Call.Id, "u2", false)
	req.NoError(err)
	req.Equal(api.CallRejected, call.Status)

	_, err = env.calls.EndCall(t.Context(), call.Id, "u1")
	req.ErrorIs(err, api.ErrInvalidState)

	_, ok, err := env.calls.ActiveCall(t.Context(), "u1")
	req.NoError(err)
	req.False(ok)
}

func TestCallCoordinator_EndCall(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)
	_, err = env.calls.RespondToCall(t.Context(), start.Call.Id, "u2", true)
	req.NoError(err)

	_, err = env.calls.EndCall(t.Context(), start.Call.Id, "u3")
	req.ErrorIs(err, api.ErrInvalidState)

	call, err := env.calls.EndCall(t.Context(), start.Call.Id, "u1")
	req.NoError(err)
	req.Equal(api.CallEnded, call.Status)

	_, err = env.calls.EndCall(t.Context(), start.Call.Id, "u2")
	req.ErrorIs(err, api.ErrInvalidState)
}

func TestCallCoordinator_UnansweredCallExpires(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	// When the ring timeout passes
	env.clock.Advance(31 * time.Second)

	// Then the call is absent and cannot be answered
	_, ok, err := env.calls.ActiveCall(t.Context(), "u2")
	req.NoError(err)
	req.False(ok)

	_, err = env.calls.RespondToCall(t.Context(), start.Call.Id, "u2", true)
	req.ErrorIs(err, api.ErrInvalidState)
	req.Contains(err.Error(), "expired")

	// And the caller may call again
	_, err = env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)
}

func TestCallCoordinator_NewCallSupersedesPrevious(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	first, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	second, err := env.calls.InitiateCall(t.Context(), "u1", "u3", bothMedia)

	req.NoError(err)
	req.Len(second.Superseded, 1)
	req.Equal(first.Call.Id, second.Superseded[0].Id)
	req.Equal(api.CallEnded, second.Superseded[0].Status)

	active, ok, err := env.calls.ActiveCall(t.Context(), "u1")
	req.NoError(err)
	req.True(ok)
	req.Equal(second.Call.Id, active.Id)

	_, ok, err = env.calls.ActiveCall(t.Context(), "u2")
	req.NoError(err)
	req.False(ok)
}

// failingCallUpdates loses every call update.
type failingCallUpdates struct {
	*repository.MemoryStorage
}

func (failingCallUpdates) UpdateCall(context.Context, string, func(*api.CallRecord) error) (api.CallRecord, error) {
	return api.CallRecord{}, fmt.Errorf("%w: unavailable", api.ErrStorage)
}

func TestCallCoordinator_NewCallFailsWhenPreviousCannotEnd(t *testing.T) {
	req := require.New(t)
	store := failingCallUpdates{repository.NewMemoryStorage()}
	calls := api.NewCallCoordinator(store, discardLogger(), 30*time.Second, time.Hour)
	first, err := calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	// When the previous call of the caller cannot be ended
	_, err = calls.InitiateCall(t.Context(), "u1", "u3", bothMedia)

	// Then no second call is created
	req.ErrorIs(err, api.ErrStorage)
	active, err := store.GetPartyCalls(t.Context(), "u1", api.CallPending, api.CallAccepted)
	req.NoError(err)
	req.Len(active, 1)
	req.Equal(first.Call.Id, active[0].Id)
}

func TestCallCoordinator_PartiesSharingALockStripe(t *testing.T) {
	env := newTestEnv(t)

	// u9 and u30 hash to the same stripe.
	done := make(chan error, 1)
	go func() {
		_, err := env.calls.InitiateCall(t.Context(), "u9", "u30", bothMedia)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "call initiation deadlocked")
	}
}

func TestCallCoordinator_RecipientBusy(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	_, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	_, err = env.calls.InitiateCall(t.Context(), "u3", "u2", bothMedia)

	req.ErrorIs(err, api.ErrRecipientBusy)
	req.ErrorIs(err, api.ErrInvalidState)
	_, ok, err := env.calls.ActiveCall(t.Context(), "u3")
	req.NoError(err)
	req.False(ok)
}

func TestCallCoordinator_ConcurrentInitiationsKeepOneActiveCall(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.calls.InitiateCall(t.Context(), "u1", fmt.Sprintf("peer-%d", i), bothMedia)
		}()
	}
	wg.Wait()

	calls, err := env.store.GetPartyCalls(t.Context(), "u1", api.CallPending, api.CallAccepted)
	req.NoError(err)
	req.Len(calls, 1)
}

func TestCallCoordinator_UpdateMedia(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	start, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)

	call, err := env.calls.UpdateMedia(t.Context(), start.Call.Id, "u2",
		[]byte(`[{"op":"replace","path":"/videoEnabled","value":false}]`))

	req.NoError(err)
	req.True(call.Media.AudioEnabled)
	req.False(call.Media.VideoEnabled)

	_, err = env.calls.UpdateMedia(t.Context(), start.Call.Id, "u3",
		[]byte(`[{"op":"replace","path":"/audioEnabled","value":false}]`))
	req.ErrorIs(err, api.ErrInvalidState)

	_, err = env.calls.UpdateMedia(t.Context(), start.Call.Id, "u1", []byte(`not a patch`))
	req.ErrorIs(err, api.ErrInvalidPayload)

	_, err = env.calls.UpdateMedia(t.Context(), start.Call.Id, "u1",
		[]byte(`[{"op":"remove","path":"/screenShare"}]`))
	req.ErrorIs(err, api.ErrInvalidPayload)
}

func TestCallCoordinator_Sweep(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	expired, err := env.calls.InitiateCall(t.Context(), "u1", "u2", bothMedia)
	req.NoError(err)
	env.clock.Advance(2 * time.Minute)
	live, err := env.calls.InitiateCall(t.Context(), "u3", "r1", bothMedia)
	req.NoError(err)

	deleted, err := env.calls.Sweep(t.Context(), time.Minute)

	req.NoError(err)
	req.Equal(1, deleted)
	_, err = env.store.GetCall(t.Context(), expired.Call.Id)
	req.ErrorIs(err, api.ErrNotFound)
	_, err = env.store.GetCall(t.Context(), live.Call.Id)
	req.NoError(err)
}
