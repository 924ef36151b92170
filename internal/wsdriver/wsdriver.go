// Package wsdriver implements the D1 websocket driver (internal/driver's
// Websocket contract) against a real CSMS endpoint: client-side dial with
// the "ocpp1.6" subprotocol, read/write pumps, ping/pong keepalive, and
// exponential reconnect backoff. It is the client-side counterpart of the
// upgrade-handling connection manager this codebase's server-side ancestor
// used to run, adapted from accepting inbound upgrades to dialing out.
package wsdriver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/logging"
)

// Config is the dial/reconnect/keepalive configuration for one CSMS
// connection.
type Config struct {
	URL              string
	Subprotocol      string
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	// Seed initializes the dedicated, non-cryptographic jitter source
	// applied to reconnect backoff (ChargePointConfig.seed). It does not
	// touch outbound message-id generation, which always uses
	// google/uuid's own CSPRNG-backed generator regardless of Seed.
	Seed int64
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		Subprotocol:      "ocpp1.6",
		HandshakeTimeout: 10 * time.Second,
		MinBackoff:       2 * time.Second,
		MaxBackoff:       2 * time.Minute,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024,
		Seed:             0,
	}
}

// Driver dials out to a CSMS and keeps the connection alive across drops,
// implementing driver.Websocket. Connect starts a dedicated dial/reconnect
// goroutine and returns immediately; connection outcomes surface as
// WsConnected/WsDisconnected events on Events(), matching the event-driven
// boundary the core event loop (C14) expects from every driver.
type Driver struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sendChan chan []byte

	events chan driver.WsEvent

	// jitter perturbs reconnect backoff so that many charge points
	// restarting together (e.g. after a power event) don't all redial
	// the CSMS on the same tick. Seeded once from cfg.Seed; only the
	// dialLoop goroutine touches it, so it needs no locking.
	jitter *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log *logging.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		log:    log.With("wsdriver"),
		events: make(chan driver.WsEvent, 64),
		jitter: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Connect starts the dial/reconnect loop in the background. It does not
// block on the first successful handshake; the loop retries with
// exponential backoff (floored at MinBackoff, capped at MaxBackoff) until
// Close is called. ctx is not used by the loop.
func (d *Driver) Connect(ctx context.Context, url string) error {
	if url != "" {
		d.cfg.URL = url
	}
	if d.cfg.URL == "" {
		return fmt.Errorf("wsdriver: no URL configured")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.ctx = loopCtx
	d.cancel = cancel

	d.wg.Add(1)
	go d.dialLoop()
	return nil
}

func (d *Driver) dialLoop() {
	defer d.wg.Done()

	backoff := d.cfg.MinBackoff
	for {
		if d.ctx.Err() != nil {
			return
		}
		conn, err := d.dial()
		if err != nil {
			d.log.ErrorWithErr(err, "dial CSMS")
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.withJitter(backoff)):
			}
			backoff *= 2
			if backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
			continue
		}

		backoff = d.cfg.MinBackoff
		d.runConnection(conn)

		if d.ctx.Err() != nil {
			return
		}
	}
}

// withJitter adds up to 50% uniform random jitter on top of backoff,
// drawn from the seeded non-cryptographic source.
func (d *Driver) withJitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return backoff
	}
	extra := d.jitter.Int63n(int64(backoff)/2 + 1)
	return backoff + time.Duration(extra)
}

func (d *Driver) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Subprotocols:     []string{d.cfg.Subprotocol},
	}
	conn, _, err := dialer.Dial(d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsdriver: dial %s: %w", d.cfg.URL, err)
	}
	return conn, nil
}

// runConnection owns one live connection's read/write/ping pumps and
// blocks until the connection drops, then reports WsDisconnected.
func (d *Driver) runConnection(conn *websocket.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.sendChan = make(chan []byte, 100)
	sendChan := d.sendChan
	d.mu.Unlock()

	conn.SetReadLimit(d.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.PingInterval + d.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.PingInterval + d.cfg.PongTimeout))

	d.emit(driver.WsEvent{Kind: driver.WsConnected})

	connDone := make(chan struct{})
	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			conn.Close()
			close(connDone)
		})
	}

	go d.writePump(conn, sendChan, connDone, closeConn)
	go d.pingPump(conn, connDone, closeConn)

	d.readPump(conn, closeConn)
	<-connDone

	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()

	d.emit(driver.WsEvent{Kind: driver.WsDisconnected})
}

func (d *Driver) readPump(conn *websocket.Conn, closeConn func()) {
	defer closeConn()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		d.emit(driver.WsEvent{Kind: driver.WsMessage, Msg: msg})
	}
}

func (d *Driver) writePump(conn *websocket.Conn, sendChan chan []byte, connDone <-chan struct{}, closeConn func()) {
	for {
		select {
		case <-connDone:
			return
		case <-d.ctx.Done():
			closeConn()
			return
		case msg, ok := <-sendChan:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				d.log.ErrorWithErr(err, "write CSMS message")
				closeConn()
				return
			}
		}
	}
}

func (d *Driver) pingPump(conn *websocket.Conn, connDone <-chan struct{}, closeConn func()) {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				d.log.ErrorWithErr(err, "ping CSMS")
				closeConn()
				return
			}
		}
	}
}

func (d *Driver) emit(ev driver.WsEvent) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("wsdriver event channel full, dropping event")
	}
}

// Send queues a frame for the write pump of the currently-live connection.
// It returns an error immediately if there is no live connection rather
// than blocking; the outbound call broker (C5) treats that as a dispatch
// failure the same way it treats a timeout.
func (d *Driver) Send(ctx context.Context, text []byte) error {
	d.mu.Lock()
	sendChan := d.sendChan
	d.mu.Unlock()
	if sendChan == nil {
		return fmt.Errorf("wsdriver: not connected")
	}
	select {
	case sendChan <- text:
		return nil
	default:
		return fmt.Errorf("wsdriver: send buffer full")
	}
}

// Close tears down the dial/reconnect loop and any live connection.
func (d *Driver) Close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
	return nil
}

func (d *Driver) Events() <-chan driver.WsEvent { return d.events }
