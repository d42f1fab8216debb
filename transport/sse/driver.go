// Package sse implements C4's half-duplex Server-Sent Events driver: a
// plain net/http client that parses the SSE record grammar off a
// streaming response body. Server-side SSE bookkeeping in the pack (e.g.
// the dev-console SSE registry) writes the wire format; this driver is
// its mirror image, reading it.
package sse

import (
	"bufio"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
	"github.com/odin-rt/core/transport"
)

// Driver is the SSE transport driver. SSE is half-duplex: Send always
// fails with a ProtocolError (§4.4's protocol-capability table: SSE has
// Bidirectional=false); rterr has no NotSupported kind.
type Driver struct {
	client *http.Client

	mu    sync.RWMutex
	state message.ConnSnapshot
	resp  *http.Response
	retry time.Duration // last retry: field seen, feeds the supervisor's reconnect base delay

	recv      chan transport.Item
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds an unconnected SSE driver.
func New() *Driver {
	return &Driver{
		client: &http.Client{},
		state:  message.ConnSnapshot{State: message.Disconnected, ObservedAt: time.Now()},
		recv:   make(chan transport.Item, 64),
	}
}

func (d *Driver) setState(s message.ConnSnapshot) {
	s.ObservedAt = time.Now()
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Driver) State() message.ConnSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) Protocol() message.Protocol { return message.SSE }

// RetryHint returns the last retry: field value seen on the stream, or 0
// if none has arrived yet. The connection supervisor consults this to
// update its reconnect base delay per §4.4.
func (d *Driver) RetryHint() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.retry
}

// Connect issues a GET to url with Accept: text/event-stream and starts
// parsing the response body as an SSE stream. A non-matching
// Content-Type fails with ProtocolError (§4.4: "requires Accept:
// text/event-stream; fails with ProtocolError if the response
// content-type isn't text/event-stream").
func (d *Driver) Connect(ctx context.Context, url string) error {
	d.setState(message.ConnSnapshot{State: message.Connecting})

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: true})
		return rterr.ConnectionFailed(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: true})
		return rterr.ConnectionFailed(err)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		err := rterr.ProtocolError("expected content-type text/event-stream, got " + ct)
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: false})
		return err
	}

	d.mu.Lock()
	d.resp = resp
	d.cancel = cancel
	d.mu.Unlock()

	d.setState(message.ConnSnapshot{State: message.Connected})

	go d.readLoop(resp)

	return nil
}

// record accumulates one SSE event's fields across the blank-line
// terminated block (§4.4 record grammar: event/data/id/retry fields,
// multi-line data concatenated with "\n").
type record struct {
	event string
	data  []string
	id    string
	retry string
}

func (r *record) reset() { *r = record{} }

func (d *Driver) readLoop(resp *http.Response) {
	defer close(d.recv)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var rec record
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			d.emitRecord(&rec)
			rec.reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment line, ignored per the SSE grammar
		}

		field, value := splitField(line)
		switch field {
		case "event":
			rec.event = value
		case "data":
			rec.data = append(rec.data, value)
		case "id":
			rec.id = value
		case "retry":
			rec.retry = value
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errStreamClosed
	}
	d.recv <- transport.Item{Disconnect: true, Reason: rterr.ReceiveFailed(err)}
}

var errStreamClosed = streamClosedErr{}

type streamClosedErr struct{}

func (streamClosedErr) Error() string { return "sse stream closed by server" }

// splitField parses a "field: value" or "field:value" line per the SSE
// grammar (at most one leading space after the colon is stripped).
func splitField(line string) (field, value string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	field = line[:i]
	value = line[i+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

func (d *Driver) emitRecord(rec *record) {
	if rec.retry != "" {
		if ms, err := strconv.Atoi(rec.retry); err == nil {
			d.mu.Lock()
			d.retry = time.Duration(ms) * time.Millisecond
			d.mu.Unlock()
		}
	}

	if len(rec.data) == 0 {
		return // retry-only or id-only records carry no payload
	}

	payload := []byte(strings.Join(rec.data, "\n"))
	msg := message.Message{Kind: message.Text, Payload: payload, CreatedAt: time.Now(), CorrelationID: rec.id}
	d.recv <- transport.Item{Msg: msg}
}

// Send always fails: SSE is server-to-client only (§4.4).
func (d *Driver) Send(ctx context.Context, msg message.Message) error {
	return rterr.ProtocolError("SSE transport does not support outbound messages")
}

func (d *Driver) Recv() <-chan transport.Item { return d.recv }

func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.RLock()
		cancel := d.cancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		d.setState(message.ConnSnapshot{State: message.Disconnected})
	})
	return nil
}

// Healthy reports true whenever the driver is Connected.
func (d *Driver) Healthy() bool { return d.State().State == message.Connected }

var _ transport.Driver = (*Driver)(nil)
