package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handler processes an inbound envelope for the verb it was registered for.
type Handler func(ctx context.Context, env *Envelope) error

// Sender delivers an encoded envelope to a remote endpoint.
type Sender interface {
	Send(ctx context.Context, to string, frame []byte) error
}

// Config contains configuration for the messaging service.
type Config struct {
	LocalEndpoint  string
	Sender         Sender // may be set later with SetSender
	Logger         zerolog.Logger
	DefaultTimeout time.Duration // callback timeout when the caller passes 0
	MaxPending     int           // maximum requests awaiting a response
	RateLimit      int           // inbound requests per second from remote endpoints (negative = unlimited)
	RateBurst      int
}

// Service routes envelopes between local handlers, remote endpoints and
// callers waiting for a response.
type Service struct {
	local          string
	logger         zerolog.Logger
	defaultTimeout time.Duration
	maxPending     int
	limiter        *rate.Limiter

	senderMu sync.RWMutex
	sender   Sender

	handlersMu sync.RWMutex
	handlers   map[Verb]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingCallback tracks a request awaiting its response.
type pendingCallback struct {
	to     string
	verb   Verb
	sentAt time.Time
	ch     chan *Envelope
}

// NewService creates a messaging service for the local endpoint.
func NewService(config Config) *Service {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 10 * time.Second
	}
	if config.MaxPending == 0 {
		config.MaxPending = 10000
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1000
	}
	if config.RateBurst == 0 {
		config.RateBurst = 100
	}

	limit := rate.Limit(config.RateLimit)
	if config.RateLimit < 0 {
		limit = rate.Inf
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		local:          config.LocalEndpoint,
		logger:         config.Logger.With().Str("component", "messaging").Logger(),
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPending,
		limiter:        rate.NewLimiter(limit, config.RateBurst),
		sender:         config.Sender,
		handlers:       make(map[Verb]Handler),
		pending:        make(map[string]*pendingCallback),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// LocalEndpoint returns the address this service answers for.
func (s *Service) LocalEndpoint() string {
	return s.local
}

// SetSender installs the transport used for remote endpoints.
func (s *Service) SetSender(sender Sender) {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	s.sender = sender
}

// Register installs the handler for a verb, replacing any previous one.
func (s *Service) Register(verb Verb, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[verb] = h
}

// Stop fails every waiting callback and waits for in-flight local deliveries.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Pending returns the number of requests awaiting a response.
func (s *Service) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// SendOneWay sends a message that expects no response.
func (s *Service) SendOneWay(ctx context.Context, to string, verb Verb, payload any) error {
	env, err := s.newEnvelope(verb, payload)
	if err != nil {
		return err
	}
	return s.send(ctx, to, env)
}

// SendWithCallback sends a request and blocks until the response arrives, the
// timeout elapses or ctx is done. A failure response is returned along with a
// *RemoteError.
func (s *Service) SendWithCallback(ctx context.Context, to string, verb Verb, payload any, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	env, err := s.newEnvelope(verb, payload)
	if err != nil {
		return nil, err
	}

	cb, err := s.trackPending(env.ID, to, verb)
	if err != nil {
		return nil, err
	}

	if err := s.send(ctx, to, env); err != nil {
		s.removePending(env.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-cb.ch:
		if reply.IsFailure() {
			return reply, &RemoteError{From: reply.From, Message: reply.Error}
		}
		return reply, nil
	case <-timer.C:
		s.removePending(env.ID)
		s.logger.Warn().
			Str("to", to).
			Str("verb", string(verb)).
			Str("id", env.ID).
			Dur("timeout", timeout).
			Msg("Callback timed out")
		return nil, fmt.Errorf("%s to %s: %w", verb, to, ErrCallbackTimeout)
	case <-ctx.Done():
		s.removePending(env.ID)
		return nil, ctx.Err()
	case <-s.ctx.Done():
		s.removePending(env.ID)
		return nil, ErrServiceStopped
	}
}

// SendReply answers the request identified by inReplyTo.
func (s *Service) SendReply(ctx context.Context, to, inReplyTo string, payload any) error {
	env, err := s.newEnvelope(VerbInternalResponse, payload)
	if err != nil {
		return err
	}
	env.InReplyTo = inReplyTo
	return s.send(ctx, to, env)
}

// SendFailure answers the request identified by inReplyTo with an error.
func (s *Service) SendFailure(ctx context.Context, to, inReplyTo string, cause error) error {
	env, err := s.newEnvelope(VerbInternalResponse, nil)
	if err != nil {
		return err
	}
	env.InReplyTo = inReplyTo
	env.Error = cause.Error()
	if env.Error == "" {
		env.Error = "request failed"
	}
	return s.send(ctx, to, env)
}

// Receive decodes a frame delivered by the transport and dispatches it.
// Requests wait for an inbound limiter token until ctx is done. Responses are
// never limited: a lost response reaches its sender as a timeout.
func (s *Service) Receive(ctx context.Context, frame []byte) error {
	env, err := UnmarshalEnvelope(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to unmarshal envelope")
		return err
	}

	if env.Verb != VerbInternalResponse {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn().Err(err).Str("verb", string(env.Verb)).Str("from", env.From).Msg("Rate limit exceeded, dropping message")
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return s.dispatch(ctx, env)
}

func (s *Service) dispatch(ctx context.Context, env *Envelope) error {
	s.logger.Debug().
		Str("verb", string(env.Verb)).
		Str("from", env.From).
		Str("id", env.ID).
		Msg("Received message")

	if env.Verb == VerbInternalResponse {
		s.resolve(env)
		return nil
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[env.Verb]
	s.handlersMu.RUnlock()
	if !ok {
		s.logger.Warn().Str("verb", string(env.Verb)).Str("from", env.From).Msg("Unknown verb")
		return &UnknownVerbError{Verb: env.Verb}
	}
	return h(ctx, env)
}

func (s *Service) newEnvelope(verb Verb, payload any) (*Envelope, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version: ProtocolVersion,
		ID:      uuid.New().String(),
		Verb:    verb,
		From:    s.local,
		Payload: data,
	}, nil
}

// send delivers env to an endpoint; the local endpoint is served in-process.
func (s *Service) send(ctx context.Context, to string, env *Envelope) error {
	if err := s.ctx.Err(); err != nil {
		return ErrServiceStopped
	}

	frame, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// Loopback skips the inbound limiter; it only shapes remote traffic.
	if to == s.local {
		local, err := UnmarshalEnvelope(frame)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.dispatch(s.ctx, local); err != nil {
				s.logger.Warn().Err(err).Str("verb", string(env.Verb)).Msg("Local delivery failed")
			}
		}()
		return nil
	}

	s.senderMu.RLock()
	sender := s.sender
	s.senderMu.RUnlock()
	if sender == nil {
		return ErrNoSender
	}

	if err := sender.Send(ctx, to, frame); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Verb, to, err)
	}
	return nil
}

func (s *Service) trackPending(id, to string, verb Verb) (*pendingCallback, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) >= s.maxPending {
		s.logger.Warn().
			Int("pending", len(s.pending)).
			Int("limit", s.maxPending).
			Str("to", to).
			Msg("Dropping request: pending limit reached")
		return nil, ErrTooManyPending
	}

	cb := &pendingCallback{
		to:     to,
		verb:   verb,
		sentAt: time.Now(),
		ch:     make(chan *Envelope, 1),
	}
	s.pending[id] = cb
	return cb, nil
}

func (s *Service) removePending(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, id)
}

// resolve hands a response to the request it answers. Late responses, whose
// callback already expired, are dropped.
func (s *Service) resolve(env *Envelope) {
	s.pendingMu.Lock()
	cb, ok := s.pending[env.InReplyTo]
	if ok {
		delete(s.pending, env.InReplyTo)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug().Str("in_reply_to", env.InReplyTo).Str("from", env.From).Msg("Dropping response with no waiting callback")
		return
	}

	s.logger.Debug().
		Str("verb", string(cb.verb)).
		Str("from", env.From).
		Dur("latency", time.Since(cb.sentAt)).
		Msg("Response received")
	cb.ch <- env
}

// IsTimeout reports whether err is a callback timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrCallbackTimeout)
}
