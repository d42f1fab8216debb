package rpcx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []message.Message
	onSend func(msg message.Message) error
}

func (f *fakeSender) Send(msg message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.onSend != nil {
		return f.onSend(msg)
	}
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNextIDMonotonicCounter(t *testing.T) {
	c := New(&fakeSender{}, RetryPolicy{}, false, nil)
	first := c.nextID()
	second := c.nextID()
	if first == second {
		t.Fatal("expected distinct IDs")
	}
	if first != "1" || second != "2" {
		t.Errorf("got ids %q, %q, want 1, 2", first, second)
	}
}

func TestNextIDUsesUUIDWhenConfigured(t *testing.T) {
	c := New(&fakeSender{}, RetryPolicy{}, true, nil)
	id := c.nextID()
	if len(id) != 36 {
		t.Errorf("expected UUID-shaped id, got %q", id)
	}
}

func respondWith(corr *Correlator, reqPayload []byte, result json.RawMessage, errObj *EnvelopeError) {
	var env Envelope
	json.Unmarshal(reqPayload, &env)
	resp := Envelope{ID: env.ID, Result: result, Error: errObj}
	payload, _ := json.Marshal(resp)
	corr.HandleInbound(message.Message{Payload: payload})
}

func TestCallSuccess(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, RetryPolicy{}, false, nil)
	sender.onSend = func(msg message.Message) error {
		go respondWith(corr, msg.Payload, json.RawMessage(`"ok"`), nil)
		return nil
	}

	resp, err := corr.Call(context.Background(), "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Result) != `"ok"` {
		t.Errorf("Result = %s, want \"ok\"", resp.Result)
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after resolution", corr.PendingCount())
	}
}

func TestCallReturnsRpcErrorWhenResponseCarriesError(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, RetryPolicy{}, false, nil)
	sender.onSend = func(msg message.Message) error {
		go respondWith(corr, msg.Payload, nil, &EnvelopeError{Code: -32601, Message: "method not found"})
		return nil
	}

	resp, err := corr.Call(context.Background(), "nosuch", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error when the response envelope carries Error")
	}
	if resp.Result != nil || resp.Error != nil {
		t.Errorf("expected a zero Envelope on error, got %+v", resp)
	}
	re, ok := rterr.As(err)
	if !ok || re.Kind != rterr.KindRpcError {
		t.Fatalf("expected KindRpcError, got %v", err)
	}
	if re.Code != -32601 {
		t.Errorf("Code = %d, want -32601", re.Code)
	}
	if re.Message != "method not found" {
		t.Errorf("Message = %q, want %q", re.Message, "method not found")
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after resolution", corr.PendingCount())
	}
}

func TestCallRetriesRpcErrorOnlyWhenCodeIsRetryable(t *testing.T) {
	sender := &fakeSender{}
	var c *Correlator
	attempts := 0
	sender.onSend = func(msg message.Message) error {
		attempts++
		go respondWith(c, msg.Payload, nil, &EnvelopeError{Code: 503, Message: "unavailable"})
		return nil
	}
	c = New(sender, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryableCodes: map[int]bool{503: true}}, false, nil)

	_, err := c.Call(context.Background(), "flaky", nil, time.Second)
	if err == nil {
		t.Fatal("expected the final attempt to still return an error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (RetryPolicy.MaxAttempts honored for a retryable RpcError code)", attempts)
	}
}

func TestCallTimesOutWhenNoResponse(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)
	_, err := corr.Call(context.Background(), "ping", nil, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	re, ok := rterr.As(err)
	if !ok || re.Kind != rterr.KindTimeout {
		t.Errorf("expected KindTimeout, got %v", err)
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after timeout cleanup", corr.PendingCount())
	}
}

func TestCallContextCanceled(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := corr.Call(ctx, "ping", nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCallSendErrorCleansUpPending(t *testing.T) {
	sender := &fakeSender{onSend: func(msg message.Message) error {
		return rterr.SendFailed(errors.New("boom"))
	}}
	corr := New(sender, RetryPolicy{}, false, nil)
	_, err := corr.Call(context.Background(), "ping", nil, time.Second)
	if err == nil {
		t.Fatal("expected Send error to propagate")
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after Send failure", corr.PendingCount())
	}
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	var attempts int
	sender := &fakeSender{}
	corr := New(sender, RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond}, false, nil)
	sender.onSend = func(msg message.Message) error {
		attempts++
		if attempts == 1 {
			return rterr.SendFailed(errors.New("transient"))
		}
		go respondWith(corr, msg.Payload, json.RawMessage(`"ok"`), nil)
		return nil
	}

	resp, err := corr.Call(context.Background(), "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Result) != `"ok"` {
		t.Errorf("Result = %s, want \"ok\"", resp.Result)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int
	sender := &fakeSender{onSend: func(msg message.Message) error {
		attempts++
		return rterr.SendFailed(errors.New("always fails"))
	}}
	corr := New(sender, RetryPolicy{MaxAttempts: 3, BaseDelay: 1 * time.Millisecond}, false, nil)
	_, err := corr.Call(context.Background(), "ping", nil, time.Second)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestNotifySendsWithoutID(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, RetryPolicy{}, false, nil)
	if err := corr.Notify("ping", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1", sender.sentCount())
	}
	var env Envelope
	json.Unmarshal(sender.sent[0].Payload, &env)
	if env.ID != "" {
		t.Errorf("Notify envelope has ID %q, want empty", env.ID)
	}
	if env.Method != "ping" {
		t.Errorf("Method = %q, want ping", env.Method)
	}
	if corr.PendingCount() != 0 {
		t.Error("Notify must not register a pending request")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	sender := &fakeSender{}
	corr := New(sender, RetryPolicy{}, false, nil)
	sender.onSend = func(msg message.Message) error {
		go respondWith(corr, msg.Payload, json.RawMessage(`"subscribed"`), nil)
		return nil
	}

	subID, ch, err := corr.Subscribe(context.Background(), "watch", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if subID == "" {
		t.Fatal("expected non-empty subscription ID")
	}

	publish := Envelope{ID: subID, Result: json.RawMessage(`{"tick":1}`)}
	payload, _ := json.Marshal(publish)
	if err := corr.HandleInbound(message.Message{Payload: payload}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	select {
	case env := <-ch:
		if string(env.Result) != `{"tick":1}` {
			t.Errorf("Result = %s, want {\"tick\":1}", env.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}

	corr.Unsubscribe(subID)
	// After unsubscribe, publishing again must not panic or block; the
	// channel must not receive anything further.
	if err := corr.HandleInbound(message.Message{Payload: payload}); err != nil {
		t.Fatalf("HandleInbound after unsubscribe: %v", err)
	}
	select {
	case env := <-ch:
		t.Errorf("expected no further delivery after Unsubscribe, got %+v", env)
	default:
	}
}

func TestHandleInboundRejectsAmbiguousResponse(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)

	bothPresent := Envelope{ID: "1", Result: json.RawMessage(`1`), Error: &EnvelopeError{Code: 1, Message: "x"}}
	payload, _ := json.Marshal(bothPresent)
	err := corr.HandleInbound(message.Message{Payload: payload})
	if err == nil {
		t.Fatal("expected InvalidResponse when both result and error are present")
	}
	re, ok := rterr.As(err)
	if !ok || re.Kind != rterr.KindInvalidResponse {
		t.Errorf("expected KindInvalidResponse, got %v", err)
	}

	neitherPresent := Envelope{ID: "2"}
	payload, _ = json.Marshal(neitherPresent)
	err = corr.HandleInbound(message.Message{Payload: payload})
	if err == nil {
		t.Fatal("expected InvalidResponse when neither result nor error is present")
	}
}

func TestHandleInboundMalformedPayload(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)
	err := corr.HandleInbound(message.Message{Payload: []byte("not json")})
	if err == nil {
		t.Fatal("expected ValidationError for malformed envelope")
	}
}

func TestResolvePendingFirstRemoverWins(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)
	pr := &pendingRequest{resultCh: make(chan Envelope, 1)}
	corr.mu.Lock()
	corr.pending["x"] = pr
	corr.mu.Unlock()

	ok1 := corr.resolvePending("x", Envelope{ID: "x"})
	ok2 := corr.resolvePending("x", Envelope{ID: "x"})
	if !ok1 {
		t.Error("first resolvePending should succeed")
	}
	if ok2 {
		t.Error("second resolvePending for the same id should fail (already removed)")
	}
}

func TestRetryPolicyRetryableConsultsCodes(t *testing.T) {
	p := RetryPolicy{RetryableCodes: map[int]bool{500: true}}
	retryableCode := rterr.RpcError(500, "server error", nil)
	nonRetryableCode := rterr.RpcError(400, "bad request", nil)
	if !p.retryable(retryableCode) {
		t.Error("expected code 500 to be retryable per RetryableCodes")
	}
	if p.retryable(nonRetryableCode) {
		t.Error("expected code 400 to not be retryable")
	}
}

type fakeObserver struct {
	mu          sync.Mutex
	inFlight    []int
	completions []string
}

func (o *fakeObserver) ObserveInFlight(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight = append(o.inFlight, n)
}

func (o *fakeObserver) ObserveCompletion(method, outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completions = append(o.completions, method+":"+outcome)
}

func TestObserverSeesInFlightRiseThenFallOnSuccess(t *testing.T) {
	sender := &fakeSender{}
	obs := &fakeObserver{}
	corr := New(sender, RetryPolicy{}, false, obs)
	sender.onSend = func(msg message.Message) error {
		go respondWith(corr, msg.Payload, json.RawMessage(`"ok"`), nil)
		return nil
	}

	if _, err := corr.Call(context.Background(), "ping", nil, time.Second); err != nil {
		t.Fatalf("Call: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.inFlight) < 2 {
		t.Fatalf("expected at least a rise and a fall, got %v", obs.inFlight)
	}
	if obs.inFlight[0] != 1 {
		t.Errorf("first ObserveInFlight = %d, want 1 (request registered)", obs.inFlight[0])
	}
	if last := obs.inFlight[len(obs.inFlight)-1]; last != 0 {
		t.Errorf("last ObserveInFlight = %d, want 0 (request resolved)", last)
	}
	if len(obs.completions) != 1 || obs.completions[0] != "ping:success" {
		t.Errorf("completions = %v, want [ping:success]", obs.completions)
	}
}

func TestObserverRecordsTimeoutOutcome(t *testing.T) {
	obs := &fakeObserver{}
	corr := New(&fakeSender{}, RetryPolicy{}, false, obs)
	if _, err := corr.Call(context.Background(), "ping", nil, 20*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.completions) != 1 || obs.completions[0] != "ping:timeout" {
		t.Errorf("completions = %v, want [ping:timeout]", obs.completions)
	}
}

func TestNilObserverIsSafeNoop(t *testing.T) {
	corr := New(&fakeSender{}, RetryPolicy{}, false, nil)
	if _, err := corr.Call(context.Background(), "ping", nil, 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}
