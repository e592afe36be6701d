package repair

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/messaging"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
	"github.com/adamgarcia4/goLearning/antientropy/streaming"
)

const (
	localEndpoint = "10.0.0.1:7000"
	peerEndpoint  = "10.0.0.2:7000"
)

var (
	usersRef  = storage.TableRef{Keyspace: "ks", Table: "users"}
	eventsRef = storage.TableRef{Keyspace: "ks", Table: "events"}
)

type sentMessage struct {
	to        string
	inReplyTo string
	msg       Message
}

// fakeOutbound records everything the dispatcher sends.
type fakeOutbound struct {
	local string

	mu       sync.Mutex
	replies  []sentMessage
	messages []sentMessage
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{local: localEndpoint}
}

func (f *fakeOutbound) LocalEndpoint() string { return f.local }

func (f *fakeOutbound) SendOneWay(ctx context.Context, to string, verb messaging.Verb, payload any) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return errors.New("expected an encoded repair message")
	}
	_, msg, err := Decode(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{to: to, msg: msg})
	return nil
}

func (f *fakeOutbound) SendReply(ctx context.Context, to, inReplyTo string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentMessage{to: to, inReplyTo: inReplyTo})
	return nil
}

func (f *fakeOutbound) SendWithCallback(ctx context.Context, to string, verb messaging.Verb, payload any, timeout time.Duration) (*messaging.Envelope, error) {
	return nil, errors.New("not supported by fakeOutbound")
}

func (f *fakeOutbound) Replies() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.replies...)
}

func (f *fakeOutbound) Messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

// fakeSyncer records sync requests.
type fakeSyncer struct {
	err error

	mu       sync.Mutex
	requests []streaming.Request
}

func (f *fakeSyncer) RunSync(ctx context.Context, req streaming.Request) (streaming.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return streaming.Result{}, f.err
}

func (f *fakeSyncer) Requests() []streaming.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]streaming.Request(nil), f.requests...)
}

type forwarded struct {
	from string
	msg  Message
}

// fakeSessions records forwarded session-control messages.
type fakeSessions struct {
	panicOn MessageType

	mu  sync.Mutex
	got []forwarded
}

func (f *fakeSessions) HandleMessage(from string, msg Message) {
	if f.panicOn != "" && msg.Type() == f.panicOn {
		panic("session handler exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, forwarded{from: from, msg: msg})
}

func (f *fakeSessions) Got() []forwarded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarded(nil), f.got...)
}

// fakeFuture completes with err.
type fakeFuture struct {
	err error
}

func (f fakeFuture) Wait(ctx context.Context) error { return f.err }

// fakeAntiCompactor returns canned futures and counts its runs.
type fakeAntiCompactor struct {
	futures []storage.Future
	err     error

	mu   sync.Mutex
	runs int
}

func (f *fakeAntiCompactor) AntiCompact(ctx context.Context, tables []*storage.Table, ranges []dht.Range, repairedAt int64) ([]storage.Future, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.futures, f.err
}

func (f *fakeAntiCompactor) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type harness struct {
	engine     *storage.Engine
	registry   *ParentSessionRegistry
	out        *fakeOutbound
	syncer     *fakeSyncer
	sessions   *fakeSessions
	dispatcher *Dispatcher
}

type harnessOption func(*Config)

func withAntiCompactor(a AntiCompactor) harnessOption {
	return func(c *Config) { c.AntiCompactor = a }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	engine, err := storage.OpenInMemory(storage.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	for _, ref := range []storage.TableRef{usersRef, eventsRef} {
		_, err := engine.CreateTable(ref)
		require.NoError(t, err)
	}

	h := &harness{
		engine:   engine,
		registry: NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop()}),
		out:      newFakeOutbound(),
		syncer:   &fakeSyncer{},
		sessions: &fakeSessions{},
	}

	config := Config{
		Registry:      h.registry,
		Schema:        engine,
		Validations:   engine,
		AntiCompactor: engine,
		Syncer:        h.syncer,
		Outbound:      h.out,
		Sessions:      h.sessions,
		MerkleDepth:   4,
		Logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	h.dispatcher, err = NewDispatcher(config)
	require.NoError(t, err)
	return h
}

func (h *harness) table(t *testing.T, ref storage.TableRef) *storage.Table {
	t.Helper()
	tbl, err := h.engine.Table(ref.Keyspace, ref.Table)
	require.NoError(t, err)
	return tbl
}

func inbound(msg Message, replyID string) Inbound {
	return Inbound{
		Tag:     msg.Type(),
		Message: msg,
		Reply:   ReplyToken{ID: replyID, From: peerEndpoint},
	}
}
