package api_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"realtimeService/pkg/api"
	"realtimeService/pkg/repository"
)

var (
	applicant1 = api.Party{Id: "u1", Kind: api.PartyUser}
	applicant2 = api.Party{Id: "u2", Kind: api.PartyUser}
	applicant3 = api.Party{Id: "u3", Kind: api.PartyUser}
	recruiter1 = api.Party{Id: "r1", Kind: api.PartyRecruiter}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records what the server pushes to one connection.
type fakeConn struct {
	id    string
	party api.Party

	mu          sync.Mutex
	events      []api.OutgoingEvent
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeConn(id string, party api.Party) *fakeConn {
	return &fakeConn{id: id, party: party}
}

func (c *fakeConn) Id() string { return c.id }

func (c *fakeConn) Party() api.Party { return c.party }

func (c *fakeConn) Send(event api.OutgoingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrConnectionClosed
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed, c.closeCode, c.closeReason = true, code, reason
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// received returns the pushed events named name, in order.
func (c *fakeConn) received(name string) []api.OutgoingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []api.OutgoingEvent
	for _, e := range c.events {
		if e.Event == name {
			events = append(events, e)
		}
	}
	return events
}

// only asserts exactly one event named name was pushed and returns its data.
func only[T any](t *testing.T, c *fakeConn, name string) T {
	t.Helper()
	events := c.received(name)
	require.Len(t, events, 1, "events %q pushed to %s", name, c.party.Id)
	data, ok := events[0].Data.(T)
	require.True(t, ok, "unexpected data type %T", events[0].Data)
	return data
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *repository.MemoryStorage
	hub     *api.Hub
	chat    *api.ChatService
	calls   *api.CallCoordinator
	bus     *api.LocalBus
	gateway *api.Gateway
	clock   *clock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil, nil)
}

// newTestEnvWith builds the service graph on memory storage. A nil bus uses a buffered LocalBus.
func newTestEnvWith(t *testing.T, bus api.Bus, verifier api.TokenVerifier) *testEnv {
	t.Helper()
	log := discardLogger()
	env := &testEnv{
		store: repository.NewMemoryStorage(),
		hub:   api.NewHub(log),
		clock: newClock(),
	}
	env.chat = api.NewChatService(env.store, nil, log, 0, 0)
	env.calls = api.NewCallCoordinator(env.store, log, 30*time.Second, time.Hour).WithClock(env.clock.Now)
	if bus == nil {
		env.bus = api.NewLocalBus(log, 1024)
		bus = env.bus
	}
	env.gateway = api.NewGateway(env.hub, env.chat, env.calls, bus, verifier, log, time.Second)
	return env
}

// connect opens a gateway session for party.
func (e *testEnv) connect(party api.Party) *fakeConn {
	conn := newFakeConn(party.Id+"-conn", party)
	e.gateway.Open(conn)
	return conn
}

func (e *testEnv) dispatch(t *testing.T, conn *fakeConn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	e.gateway.Dispatch(t.Context(), conn, api.IncomingEvent{Event: event, Data: raw})
}
