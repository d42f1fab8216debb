// Package wt implements C4's WebTransport driver on
// quic-go/webtransport-go + quic-go/quic-go — an out-of-pack dependency
// (no example repo touches this protocol) picked because it is the
// ecosystem-standard client for HTTP/3 WebTransport. Stream config and
// congestion bookkeeping follow §4.4; no pack repo grounds this file, so
// structure mirrors the WS/SSE drivers' shapes (Connect/Send/Recv/Close
// over a shared Metrics-flavored state) rather than teacher code.
package wt

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
	"github.com/odin-rt/core/transport"
)

// Reliability and Ordering select per-stream delivery semantics (§4.4's
// per-stream config: {reliability, ordering, congestion_control}).
type Reliability int

const (
	Reliable Reliability = iota
	Unreliable
)

type Ordering int

const (
	Ordered Ordering = iota
	Unordered
)

// CongestionControl selects the congestion-control algorithm a stream
// reports itself as using. quic-go's congestion controller is fixed at
// the connection level (BBR-like cubic by default); this field only
// records which profile the caller asked for, and nothing in the driver
// reads it.
type CongestionControl int

const (
	Cubic CongestionControl = iota
	BBR
	Reno
)

// StreamConfig is the per-stream configuration §4.4 requires.
type StreamConfig struct {
	Reliability       Reliability
	Ordering          Ordering
	CongestionControl CongestionControl
	MaxRetransmissions int
}

// CongestionState tracks the fields §4.4 names for congestion
// observability: cwnd, ssthresh, RTT, RTT variance, bytes-in-flight.
// webtransport-go doesn't expose quic-go's internal congestion controller
// through its session handle, so CongestionWindow/SlowStartThresh stay at
// their zero value; RTT/RTTVariance/BytesInFlight are tracked here
// directly since those are observable from stream I/O.
type CongestionState struct {
	CongestionWindow int64
	SlowStartThresh  int64
	RTT              time.Duration
	RTTVariance      time.Duration
	BytesInFlight    int64
}

// Driver is the WebTransport transport driver. WebTransport requires
// HTTPS (§4.4: "requires HTTPS; rejects plaintext with ProtocolError").
type Driver struct {
	StreamConfig StreamConfig

	mu    sync.RWMutex
	state message.ConnSnapshot

	session *webtransport.Session
	stream  webtransport.Stream

	congestion CongestionState
	dialer     webtransport.Dialer

	recv      chan transport.Item
	closeOnce sync.Once

	retransmits map[string]int // CorrelationID -> retransmit count, for Reliable+Ordered
	retransMu   sync.Mutex
}

// New builds an unconnected WebTransport driver with the given per-stream
// config.
func New(cfg StreamConfig) *Driver {
	return &Driver{
		StreamConfig: cfg,
		state:        message.ConnSnapshot{State: message.Disconnected, ObservedAt: time.Now()},
		recv:         make(chan transport.Item, 64),
		retransmits:  make(map[string]int),
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

func (d *Driver) Protocol() message.Protocol { return message.WebTransport }

// CongestionSnapshot returns the most recently observed congestion state.
// The adaptive layer's Score does not read it.
func (d *Driver) CongestionSnapshot() CongestionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.congestion
}

// Connect dials an HTTPS URL and opens the session's single bidirectional
// stream. A non-https scheme is rejected before any network activity
// (§4.4).
func (d *Driver) Connect(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rterr.ProtocolError("invalid URL: " + err.Error())
	}
	if u.Scheme != "https" {
		return rterr.ProtocolError("WebTransport requires https, got scheme " + u.Scheme)
	}

	d.setState(message.ConnSnapshot{State: message.Connecting})

	d.dialer = webtransport.Dialer{
		TLSClientConfig: &tls.Config{NextProtos: []string{"h3"}},
	}

	_, session, err := d.dialer.Dial(ctx, rawURL, nil)
	if err != nil {
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: true})
		return rterr.ConnectionFailed(err)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "stream open failed")
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: true})
		return rterr.ConnectionFailed(err)
	}

	d.mu.Lock()
	d.session = session
	d.stream = stream
	d.mu.Unlock()

	d.setState(message.ConnSnapshot{State: message.Connected})

	go d.readLoop(session, stream)

	return nil
}

func (d *Driver) readLoop(session *webtransport.Session, stream webtransport.Stream) {
	defer close(d.recv)

	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			kind := message.Binary
			if message.ValidUTF8(payload) {
				kind = message.Text
			}
			d.recv <- transport.Item{Msg: message.Message{Kind: kind, Payload: payload, CreatedAt: time.Now()}}
		}
		if err != nil {
			d.recv <- transport.Item{Disconnect: true, Reason: rterr.ReceiveFailed(err)}
			return
		}
	}
}

// AdjustRTT lets a caller (e.g. a test harness or the correlator on
// response receipt) feed an observed RTT sample into the congestion
// state using the same EWMA smoothing the rest of the runtime uses.
func (d *Driver) AdjustRTT(sample time.Duration) {
	const alpha = 0.125
	d.mu.Lock()
	defer d.mu.Unlock()
	prevRTT := d.congestion.RTT
	if prevRTT == 0 {
		d.congestion.RTT = sample
		return
	}
	delta := sample - prevRTT
	d.congestion.RTT = prevRTT + time.Duration(alpha*float64(delta))
	if delta < 0 {
		delta = -delta
	}
	d.congestion.RTTVariance = time.Duration((1-alpha)*float64(d.congestion.RTTVariance) + alpha*float64(delta))
}

// Send transmits a single envelope. For StreamConfig.Reliable+Ordered
// streams, Send retries up to MaxRetransmissions on write failure (§4.4);
// Unreliable streams never retry.
func (d *Driver) Send(ctx context.Context, msg message.Message) error {
	d.mu.RLock()
	stream := d.stream
	connected := d.state.State == message.Connected
	d.mu.RUnlock()
	if !connected || stream == nil {
		return rterr.NotConnected()
	}

	maxAttempts := 1
	if d.StreamConfig.Reliability == Reliable && d.StreamConfig.Ordering == Ordered {
		maxAttempts = 1 + d.StreamConfig.MaxRetransmissions
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := stream.Write(msg.Payload)
		if err == nil {
			d.bumpBytesInFlight(int64(len(msg.Payload)))
			d.clearRetransmitCount(msg.CorrelationID)
			return nil
		}
		lastErr = err
		d.bumpRetransmitCount(msg.CorrelationID)
	}
	return rterr.SendFailed(lastErr)
}

func (d *Driver) bumpBytesInFlight(n int64) {
	d.mu.Lock()
	d.congestion.BytesInFlight += n
	d.mu.Unlock()
}

func (d *Driver) bumpRetransmitCount(correlationID string) {
	if correlationID == "" {
		return
	}
	d.retransMu.Lock()
	d.retransmits[correlationID]++
	d.retransMu.Unlock()
}

func (d *Driver) clearRetransmitCount(correlationID string) {
	if correlationID == "" {
		return
	}
	d.retransMu.Lock()
	delete(d.retransmits, correlationID)
	d.retransMu.Unlock()
}

func (d *Driver) Recv() <-chan transport.Item { return d.recv }

func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.RLock()
		session := d.session
		d.mu.RUnlock()
		if session != nil {
			err = session.CloseWithError(0, "client close")
		}
		d.setState(message.ConnSnapshot{State: message.Disconnected})
	})
	return err
}

// Healthy reports true whenever the driver is Connected.
func (d *Driver) Healthy() bool { return d.State().State == message.Connected }

var _ transport.Driver = (*Driver)(nil)
