package yate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// RouteFunc processes a dispatched message and returns the reply. A nil
// reply means the message is handed back unprocessed so other engine modules
// can try.
type RouteFunc func(ctx context.Context, msg *Message) *Message

// WatchFunc receives notification copies of messages handled elsewhere.
type WatchFunc func(msg *Message)

// Engine is the external-module connection to the telephone engine: it
// installs the call.route handler, watches configured messages and keeps the
// connection alive across engine restarts.
type Engine struct {
	cfg   config.EngineConfig
	route RouteFunc

	mu        sync.RWMutex
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	connected bool
	watchers  map[string][]WatchFunc

	shutdown      chan struct{}
	reconnectChan chan struct{}
	closeOnce     sync.Once
	reconnectOnce sync.Once
	wg            sync.WaitGroup

	totalMessages  uint64
	failedMessages uint64
}

func NewEngine(cfg config.EngineConfig, route RouteFunc) *Engine {
	if cfg.Port == 0 {
		cfg.Port = 5039
	}
	if cfg.RoutePriority == 0 {
		cfg.RoutePriority = 90
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = 10 * time.Second
	}
	return &Engine{
		cfg:           cfg,
		route:         route,
		watchers:      make(map[string][]WatchFunc),
		shutdown:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// Watch registers a notification handler. Must be called before Connect.
func (e *Engine) Watch(name string, fn WatchFunc) {
	e.mu.Lock()
	e.watchers[name] = append(e.watchers[name], fn)
	e.mu.Unlock()
}

// Connect dials the engine and performs the external-module handshake.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	logger.WithField("addr", addr).Info("Connecting to telephone engine")

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrEngine, "failed to connect to engine")
	}

	e.conn = conn
	e.reader = bufio.NewReaderSize(conn, 65536)
	e.writer = bufio.NewWriter(conn)
	e.connected = true

	handshake := []string{
		EncodeConnect("global"),
		EncodeSetLocal("bufsize", "8192"),
		EncodeInstall(e.cfg.RoutePriority, "call.route"),
	}
	for name := range e.watchers {
		handshake = append(handshake, EncodeWatch(name))
	}
	for _, line := range handshake {
		if err := e.writeLine(line); err != nil {
			e.connected = false
			conn.Close()
			return err
		}
	}

	e.wg.Add(1)
	go e.readLoop()
	e.reconnectOnce.Do(func() {
		e.wg.Add(1)
		go e.reconnectHandler()
	})

	logger.WithField("priority", e.cfg.RoutePriority).Info("Engine handshake sent, routing installed")
	return nil
}

// Close shuts the connection down and waits for the background goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.closeOnce.Do(func() { close(e.shutdown) })
	if e.conn != nil {
		e.conn.Close()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Engine connection closed")
	case <-time.After(5 * time.Second):
		logger.Warn("Engine connection close timeout")
	}
}

func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_messages":  atomic.LoadUint64(&e.totalMessages),
		"failed_messages": atomic.LoadUint64(&e.failedMessages),
		"connected":       e.IsConnected(),
	}
}

// writeLine sends one protocol line. Callers must hold e.mu.
func (e *Engine) writeLine(line string) error {
	if _, err := e.writer.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, errors.ErrEngine, "failed to write to engine")
	}
	if err := e.writer.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrEngine, "failed to flush to engine")
	}
	return nil
}

func (e *Engine) send(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return errors.New(errors.ErrEngine, "not connected to engine")
	}
	return e.writeLine(line)
}

func (e *Engine) readLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.shutdown:
			return
		default:
		}

		line, err := e.reader.ReadString('\n')
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				logger.WithError(err).Error("Engine read failed")
			}
			select {
			case e.reconnectChan <- struct{}{}:
			default:
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		e.handleLine(line)
	}
}

func (e *Engine) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, lineMessage+":"):
		msg, err := DecodeMessage(line)
		if err != nil {
			logger.WithError(err).Warn("Dropping undecodable engine message")
			return
		}
		atomic.AddUint64(&e.totalMessages, 1)
		go e.dispatch(msg)

	case strings.HasPrefix(line, lineMessageReply+":"):
		msg, err := DecodeMessage(line)
		if err != nil {
			logger.WithError(err).Warn("Dropping undecodable engine notification")
			return
		}
		e.mu.RLock()
		handlers := e.watchers[msg.Name]
		e.mu.RUnlock()
		for _, fn := range handlers {
			go fn(msg)
		}

	case strings.HasPrefix(line, lineInstall+":"),
		strings.HasPrefix(line, lineWatch+":"),
		strings.HasPrefix(line, lineSetLocal+":"):
		ack, err := decodeAck(line)
		if err != nil {
			logger.WithError(err).Warn("Undecodable engine acknowledgement")
			return
		}
		if !ack.success {
			logger.WithField("name", ack.name).Error("Engine rejected handshake request")
			return
		}
		logger.WithField("name", ack.name).Debug("Engine acknowledged handshake request")

	default:
		logger.WithField("line", line).Debug("Ignoring unknown engine line")
	}
}

func (e *Engine) dispatch(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&e.failedMessages, 1)
			logger.WithField("panic", r).Error("Routing handler panic")
			msg.Processed = false
			_ = e.send(EncodeReply(msg))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AnswerTimeout)
	defer cancel()

	reply := e.route(ctx, msg)
	if reply == nil {
		msg.Processed = false
		reply = msg
	}
	if err := e.send(EncodeReply(reply)); err != nil {
		atomic.AddUint64(&e.failedMessages, 1)
		logger.WithError(err).Error("Failed to answer engine message")
	}
}

func (e *Engine) reconnectHandler() {
	defer e.wg.Done()

	for {
		select {
		case <-e.shutdown:
			return
		case <-e.reconnectChan:
			logger.Info("Engine reconnection triggered")

			e.mu.Lock()
			e.connected = false
			if e.conn != nil {
				e.conn.Close()
			}
			e.mu.Unlock()

			time.Sleep(e.cfg.ReconnectDelay)

			select {
			case <-e.shutdown:
				return
			default:
				if err := e.Connect(context.Background()); err != nil {
					logger.WithError(err).Error("Engine reconnection failed")
					select {
					case e.reconnectChan <- struct{}{}:
					default:
					}
				}
			}
		}
	}
}
