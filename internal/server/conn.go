package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReadIdle      = 60 * time.Second
	defaultWriteIdle     = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultMaxFrameBytes = 64 * 1024
	closeWriteGrace      = time.Second
)

var errConnectionClosed = errors.New("server: connection closed")

// TransportConfig bounds a single websocket connection.
type TransportConfig struct {
	ReadIdle      time.Duration
	WriteIdle     time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.ReadIdle <= 0 {
		c.ReadIdle = defaultReadIdle
	}
	if c.WriteIdle <= 0 {
		c.WriteIdle = defaultWriteIdle
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	return c
}

// wsConn adapts a gorilla websocket to the router's connection contract.
// Writes are synchronous so a nil error from Send means the frame was handed
// to the socket.
type wsConn struct {
	conn      *websocket.Conn
	cfg       TransportConfig
	logger    *zap.Logger
	writeMu   sync.Mutex
	lastWrite atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, cfg TransportConfig, logger *zap.Logger) *wsConn {
	c := &wsConn{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
	c.lastWrite.Store(time.Now().UnixNano())
	conn.SetReadLimit(cfg.MaxFrameBytes)
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.ReadIdle)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c
}

func (c *wsConn) Read(_ context.Context) ([]byte, error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle)); err != nil {
			return nil, err
		}
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Send(frame messages.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.Open() {
		return errConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteGrace),
		)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// keepalive writes a keepalive frame whenever nothing else was written for
// the write-idle window, and closes the connection when ctx is done.
func (c *wsConn) keepalive(ctx context.Context) {
	timer := time.NewTimer(c.cfg.WriteIdle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-c.closed:
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if remaining := c.cfg.WriteIdle - idle; remaining > 0 {
				timer.Reset(remaining)
				continue
			}
			if err := c.Send(messages.KeepaliveFrame()); err != nil {
				c.logger.Debug("keepalive write failed", zap.Error(err))
				_ = c.Close()
				return
			}
			timer.Reset(c.cfg.WriteIdle)
		}
	}
}
