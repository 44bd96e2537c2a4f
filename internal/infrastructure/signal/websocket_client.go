package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signal client closed")

type ClientConfig struct {
	URL          string        `yaml:"url"`
	Room         string        `yaml:"room"`
	PeerID       domain.PeerID `yaml:"peer_id"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// KeepAlive sends application pings so idle links survive proxies.
	KeepAlive     time.Duration         `yaml:"keep_alive"`
	InboundBuffer int                   `yaml:"inbound_buffer"`
	Reconnect     bool                  `yaml:"reconnect"`
	Retry         retry.Config          `yaml:"retry"`
	Breaker       circuitbreaker.Config `yaml:"breaker"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:           "ws://localhost:8081/ws",
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		KeepAlive:     25 * time.Second,
		InboundBuffer: 64,
		Reconnect:     true,
		Retry:         retry.DefaultConfig(),
		Breaker:       circuitbreaker.DefaultConfig(),
	}
}

// Client is a SignalingTransport over the relay. The inbound channel is
// closed once the client gives up on the relay or is closed.
type Client struct {
	config  ClientConfig
	logger  *zap.SugaredLogger
	dialer  *websocket.Dialer
	breaker *circuitbreaker.Breaker
	inbound chan domain.SignalEnvelope

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay, retrying with backoff, and starts reading.
func Dial(ctx context.Context, config ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if config.Room == "" || config.PeerID == "" {
		return nil, errors.New("signal client requires room and peer_id")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid signal url: %w", err)
	}

	c := &Client{
		config:  config,
		logger:  logger.With("peer_id", config.PeerID, "room", config.Room),
		dialer:  &websocket.Dialer{HandshakeTimeout: config.DialTimeout},
		breaker: circuitbreaker.New("signal", config.Breaker),
		inbound: make(chan domain.SignalEnvelope, config.InboundBuffer),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		c.logger.Warnw("signal breaker state changed", "from", from.String(), "to", to.String())
	})

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.setConn(conn)

	go c.run()
	return c, nil
}

func (c *Client) endpoint() string {
	u, _ := url.Parse(c.config.URL)
	q := u.Query()
	q.Set("room", c.config.Room)
	q.Set("peer_id", string(c.config.PeerID))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint := c.endpoint()
	return retry.DoWithResult(ctx, c.config.Retry, func(attempt int) (*websocket.Conn, error) {
		select {
		case <-c.closed:
			return nil, retry.Permanent(ErrClientClosed)
		default:
		}

		conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
			}
			c.logger.Debugw("signal dial failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) run() {
	defer close(c.done)
	defer close(c.inbound)

	for {
		conn := c.currentConn()
		stopKeepAlive := c.keepAlive(conn)
		err := c.readLoop(conn)
		stopKeepAlive()
		conn.Close()

		select {
		case <-c.closed:
			return
		default:
		}

		if !c.config.Reconnect {
			c.logger.Warnw("signal connection lost", "error", err)
			return
		}
		c.logger.Warnw("signal connection lost, reconnecting", "error", err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		next, err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Warnw("signal reconnect failed", "error", err)
			return
		}
		c.setConn(next)
		select {
		case <-c.closed:
			next.Close()
			return
		default:
		}
		c.logger.Infow("signal connection restored")
	}
}

func (c *Client) keepAlive(conn *websocket.Conn) func() {
	if c.config.KeepAlive <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.config.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.write(conn, Message{Type: TypePing}); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		var env domain.SignalEnvelope
		switch msg.Type {
		case TypePeerJoined:
			env = domain.SignalEnvelope{Kind: domain.SignalPeerJoined, From: msg.From}
		case TypePeerLeft:
			env = domain.SignalEnvelope{Kind: domain.SignalPeerLeft, From: msg.From}
		case TypeSignal:
			env = domain.SignalEnvelope{Kind: domain.SignalPayload, From: msg.From, Payload: []byte(msg.Payload)}
		case TypeWelcome:
			c.logger.Infow("joined signal room", "members", len(msg.Peers))
			continue
		case TypeError:
			c.logger.Warnw("relay reported error", "error", msg.Error, "to", msg.To)
			continue
		default:
			continue
		}

		if env.From == "" || env.From == c.config.PeerID {
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.closed:
			return ErrClientClosed
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteJSON(msg)
}

// Send relays payload to a room member. Payloads must be JSON.
func (c *Client) Send(ctx context.Context, to domain.PeerID, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	if to == "" || !json.Valid(payload) {
		return domain.ErrInvalidSignal
	}

	msg := Message{Type: TypeSignal, To: to, Payload: json.RawMessage(payload)}
	return c.breaker.Execute(ctx, func() error {
		return c.write(c.currentConn(), msg)
	})
}

func (c *Client) Inbound() <-chan domain.SignalEnvelope {
	return c.inbound
}

// Close disconnects and waits for the reader to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		conn := c.currentConn()
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		// The relay may already be gone.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	})
	<-c.done
	return nil
}
