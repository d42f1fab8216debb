// Package ws implements C4's WebSocket driver on github.com/gobwas/ws, the
// same frame library the teacher's server-side pump_read.go/pump_write.go
// use — here driving a client-side dialer instead of an upgraded server
// connection.
package ws

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
	"github.com/odin-rt/core/transport"
)

// Driver is the WebSocket transport driver. Control frames are handled
// inline per §4.4: Pong replies are produced automatically on Ping unless
// AutoPong is disabled.
type Driver struct {
	AutoPong bool

	mu    sync.RWMutex
	conn  net.Conn
	state message.ConnSnapshot

	recv chan transport.Item

	writer *bufio.Writer
	wmu    sync.Mutex // serializes writes; Send must not reorder messages

	closeOnce sync.Once
}

// New builds an unconnected WebSocket driver. AutoPong defaults to true.
func New() *Driver {
	return &Driver{
		AutoPong: true,
		state:    message.ConnSnapshot{State: message.Disconnected, ObservedAt: time.Now()},
		recv:     make(chan transport.Item, 64),
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

func (d *Driver) Protocol() message.Protocol { return message.WebSocket }

// Connect dials url (ws:// or wss://) and starts the background reader.
// Scheme validation is the adaptive layer's job (§6); Connect assumes a
// valid ws/wss URL was handed to it.
func (d *Driver) Connect(ctx context.Context, url string) error {
	d.setState(message.ConnSnapshot{State: message.Connecting})

	dialer := gws.Dialer{Timeout: 10 * time.Second}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		d.setState(message.ConnSnapshot{State: message.Failed, FailReason: err.Error(), FailRecoverable: true})
		return rterr.ConnectionFailed(err)
	}

	d.mu.Lock()
	d.conn = conn
	d.writer = bufio.NewWriter(conn)
	d.mu.Unlock()

	d.setState(message.ConnSnapshot{State: message.Connected})

	go d.readLoop(conn)

	return nil
}

func (d *Driver) readLoop(conn net.Conn) {
	defer close(d.recv)

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			d.recv <- transport.Item{Disconnect: true, Reason: rterr.ReceiveFailed(err)}
			return
		}

		switch op {
		case gws.OpText:
			d.recv <- transport.Item{Msg: message.Message{Kind: message.Text, Payload: data, CreatedAt: time.Now()}}
		case gws.OpBinary:
			d.recv <- transport.Item{Msg: message.Message{Kind: message.Binary, Payload: data, CreatedAt: time.Now()}}
		case gws.OpPing:
			if d.AutoPong {
				d.writeFrame(gws.OpPong, data)
			}
			d.recv <- transport.Item{Msg: message.Message{Kind: message.Ping, Payload: data, CreatedAt: time.Now()}}
		case gws.OpPong:
			d.recv <- transport.Item{Msg: message.Message{Kind: message.Pong, Payload: data, CreatedAt: time.Now()}}
		case gws.OpClose:
			d.recv <- transport.Item{Msg: message.NewClose(0, string(data))}
			d.recv <- transport.Item{Disconnect: true}
			return
		}
	}
}

// Send transmits a single envelope, mapping its discriminator to a
// WebSocket opcode 1:1 (§4.4). Writes are serialized so the driver never
// reorders messages even under concurrent Send calls.
func (d *Driver) Send(ctx context.Context, msg message.Message) error {
	if d.State().State != message.Connected {
		return rterr.NotConnected()
	}

	var op gws.OpCode
	switch msg.Kind {
	case message.Text:
		op = gws.OpText
	case message.Binary:
		op = gws.OpBinary
	case message.Ping:
		op = gws.OpPing
	case message.Pong:
		op = gws.OpPong
	case message.Close:
		op = gws.OpClose
	}

	return d.writeFrame(op, msg.Payload)
}

func (d *Driver) writeFrame(op gws.OpCode, payload []byte) error {
	d.mu.RLock()
	conn := d.conn
	writer := d.writer
	d.mu.RUnlock()
	if conn == nil {
		return rterr.NotConnected()
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wsutil.WriteClientMessage(writer, op, payload); err != nil {
		return rterr.SendFailed(err)
	}
	if err := writer.Flush(); err != nil {
		return rterr.SendFailed(err)
	}
	return nil
}

func (d *Driver) Recv() <-chan transport.Item { return d.recv }

func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.RLock()
		conn := d.conn
		d.mu.RUnlock()
		if conn != nil {
			err = conn.Close()
		}
		d.setState(message.ConnSnapshot{State: message.Disconnected})
	})
	return err
}

// Healthy reports true whenever the driver is Connected; used by
// perf.Pool to decide reuse eligibility.
func (d *Driver) Healthy() bool { return d.State().State == message.Connected }

var _ transport.Driver = (*Driver)(nil)
