// Package rpcx implements C7: the RPC correlator sitting above a
// supervisor's Send/Inbound pair. Pending-request bookkeeping follows
// the same "first remover wins" idea the teacher's slow-client detector
// uses for its consecutive-failure counter (internal/shared/connection.go)
// — here applied to the race between a response arriving and a timeout
// firing, both trying to remove the same pending entry.
package rpcx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
)

// MethodKind distinguishes the three RPC shapes §4.7 defines.
type MethodKind int

const (
	KindCall MethodKind = iota
	KindNotify
	KindSubscribe
)

// Envelope is the JSON wire shape correlated requests/responses use,
// layered on top of message.Message's opaque Payload.
type Envelope struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the error shape an RPC response carries.
type EnvelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RetryPolicy configures automatic retry of failed calls. RetryableCodes
// is consulted because RpcError retryability is code-dependent, not
// kind-dependent (rterr.Retryable defers to this for RpcError).
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	RetryableCodes map[int]bool
}

func (p RetryPolicy) retryable(err error) bool {
	if rterr.Retryable(err) {
		return true
	}
	e, ok := rterr.As(err)
	if !ok || e.Kind != rterr.KindRpcError {
		return false
	}
	return p.RetryableCodes[e.Code]
}

// pendingRequest is one in-flight call awaiting a response or timeout.
// resultCh is delivered to exactly once: deleting its map entry while
// holding c.mu is the CAS point deciding whether the response or the
// timeout/ctx path "wins" the race.
type pendingRequest struct {
	resultCh chan Envelope
}

// Sender is the narrow capability the correlator needs from a
// supervisor: enqueue an outbound message.
type Sender interface {
	Send(msg message.Message) error
}

// Observer is the read-only metrics capability §4.5/§4.7 names for RPC
// traffic: in-flight gauge and a per-call completion counter/duration,
// mirroring perf.Observer's "opaque observer capability" design (§4.3).
type Observer interface {
	ObserveInFlight(n int)
	ObserveCompletion(method, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveInFlight(int)                        {}
func (noopObserver) ObserveCompletion(string, string, time.Duration) {}

// Correlator is C7. It owns the pending-request map and the IDs it
// hands out, and resolves responses as its owner passes each inbound
// message to HandleInbound; it does not read a channel itself.
type Correlator struct {
	sender   Sender
	retry    RetryPolicy
	observer Observer

	mu      sync.Mutex
	pending map[string]*pendingRequest

	subscriptions   map[string][]chan Envelope
	subMu           sync.RWMutex

	idCounter uint64
	useUUID   bool
}

// New builds a Correlator sending through sender. useUUID selects
// google/uuid v4 IDs; otherwise a monotonic counter is used (§4.7 allows
// either). observer may be nil, in which case metrics are dropped.
func New(sender Sender, retry RetryPolicy, useUUID bool, observer Observer) *Correlator {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Correlator{
		sender:        sender,
		retry:         retry,
		observer:      observer,
		pending:       make(map[string]*pendingRequest),
		subscriptions: make(map[string][]chan Envelope),
		useUUID:       useUUID,
	}
}

func (c *Correlator) nextID() string {
	if c.useUUID {
		return uuid.NewString()
	}
	c.mu.Lock()
	c.idCounter++
	id := c.idCounter
	c.mu.Unlock()
	return itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Call sends method/params and blocks until a response arrives, ctx is
// canceled, or timeout elapses. Retries per RetryPolicy on retryable
// failures.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (Envelope, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.callOnce(ctx, method, params, timeout)
		if err == nil {
			c.observer.ObserveCompletion(method, "success", time.Since(start))
			return resp, nil
		}
		lastErr = err
		if !c.retry.retryable(err) || attempt == maxAttempts {
			break
		}
		delay := c.retry.BaseDelay * time.Duration(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.observer.ObserveCompletion(method, "canceled", time.Since(start))
			return Envelope{}, ctx.Err()
		}
	}
	c.observer.ObserveCompletion(method, outcomeFor(lastErr), time.Since(start))
	return Envelope{}, lastErr
}

// outcomeFor labels a failed call's completion metric by error kind.
func outcomeFor(err error) string {
	if e, ok := rterr.As(err); ok {
		switch e.Kind {
		case rterr.KindTimeout:
			return "timeout"
		default:
			return e.Kind.String()
		}
	}
	return "error"
}

func (c *Correlator) callOnce(ctx context.Context, method string, params any, timeout time.Duration) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, rterr.ValidationError("params encoding: " + err.Error())
	}

	id := c.nextID()
	env := Envelope{ID: id, Method: method, Params: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, rterr.ValidationError("envelope encoding: " + err.Error())
	}

	pr := &pendingRequest{resultCh: make(chan Envelope, 1)}
	c.mu.Lock()
	c.pending[id] = pr
	n := len(c.pending)
	c.mu.Unlock()
	c.observer.ObserveInFlight(n)

	if err := c.sender.Send(message.Message{Kind: message.Text, Payload: payload, CorrelationID: id, CreatedAt: time.Now()}); err != nil {
		c.removePending(id)
		return Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.resultCh:
		if resp.Error != nil {
			return Envelope{}, rterr.RpcError(resp.Error.Code, resp.Error.Message, resp.Error.Data)
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(id)
		return Envelope{}, ctx.Err()
	case <-timer.C:
		c.removePending(id)
		return Envelope{}, rterr.Timeout(method, timeout)
	}
}

// Notify sends a one-way message with no ID and expects no response
// (§4.7 KindNotify).
func (c *Correlator) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return rterr.ValidationError("params encoding: " + err.Error())
	}
	payload, err := json.Marshal(Envelope{Method: method, Params: raw})
	if err != nil {
		return rterr.ValidationError("envelope encoding: " + err.Error())
	}
	return c.sender.Send(message.Message{Kind: message.Text, Payload: payload, CreatedAt: time.Now()})
}

// Subscribe sends a subscribe-kind request and returns a channel that
// receives every subsequent envelope correlated to the subscription ID,
// until Unsubscribe is called.
func (c *Correlator) Subscribe(ctx context.Context, method string, params any) (string, <-chan Envelope, error) {
	resp, err := c.Call(ctx, method, params, 10*time.Second)
	if err != nil {
		return "", nil, err
	}
	ch := make(chan Envelope, 32)
	c.subMu.Lock()
	c.subscriptions[resp.ID] = append(c.subscriptions[resp.ID], ch)
	c.subMu.Unlock()
	return resp.ID, ch, nil
}

// Unsubscribe removes a subscription's channel.
func (c *Correlator) Unsubscribe(subID string) {
	c.subMu.Lock()
	delete(c.subscriptions, subID)
	c.subMu.Unlock()
}

// HandleInbound decodes msg as an Envelope and routes it: a response
// resolves the matching pending call (InvalidResponse if neither or
// both of result/error are present, §4.7), otherwise it's dispatched to
// a subscription channel by CorrelationID.
func (c *Correlator) HandleInbound(msg message.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return rterr.ValidationError("envelope decoding: " + err.Error())
	}

	hasResult := env.Result != nil
	hasError := env.Error != nil
	if env.ID != "" && env.Method == "" {
		if hasResult == hasError {
			return rterr.InvalidResponse()
		}
	}

	if c.resolvePending(env.ID, env) {
		return nil
	}

	c.subMu.RLock()
	chans := c.subscriptions[env.ID]
	c.subMu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

// resolvePending delivers env to the pending request matching its ID, if
// any. Deleting the map entry while holding c.mu is what makes this
// race-safe against a concurrent timeout/ctx-cancel in callOnce: only
// one of the two sides observes ok == true.
func (c *Correlator) resolvePending(id string, env Envelope) bool {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.observer.ObserveInFlight(n)
	pr.resultCh <- env
	return true
}

// removePending removes id's pending entry unconditionally — used by the
// caller-side ctx/timeout paths, which have already decided to stop
// waiting regardless of whether a response races in concurrently.
func (c *Correlator) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	c.observer.ObserveInFlight(n)
}

// PendingCount returns the number of in-flight requests. The in-flight
// gauge itself is kept current via Observer.ObserveInFlight at every
// pending-map mutation; this is for callers (and tests) that just want a
// snapshot.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
