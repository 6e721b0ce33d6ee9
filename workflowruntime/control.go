package workflowruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/airweave-sync/orchestrator"
)

// ControlMessageType enumerates the WebSocket messages exchanged with an
// external scheduler, trimmed from the reference coordination protocol to
// what a sync job actually supports: sync jobs run to completion or are
// cancelled, they never pause and resume.
type ControlMessageType string

const (
	ControlRegister ControlMessageType = "register"
	ControlStatus   ControlMessageType = "status_response"
	ControlPong     ControlMessageType = "pong"

	ControlRegistered ControlMessageType = "registered"
	ControlCancel     ControlMessageType = "cancel"
	ControlStatusReq  ControlMessageType = "status"
	ControlPing       ControlMessageType = "ping"
)

// ControlMessage is the base envelope for every control-channel message.
type ControlMessage struct {
	Type      ControlMessageType `json:"type"`
	SyncJobID string             `json:"sync_job_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Payload   map[string]any     `json:"payload,omitempty"`
}

func newControlMessage(t ControlMessageType) *ControlMessage {
	return &ControlMessage{Type: t, Timestamp: time.Now(), Payload: make(map[string]any)}
}

// ControlConfig configures the Controller's connection to an external
// scheduler.
type ControlConfig struct {
	URL         string // ws:// or wss:// endpoint
	ServiceName string

	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64

	PingInterval time.Duration

	Logger *logrus.Entry
}

func (c *ControlConfig) setDefaults() {
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectBackoffFactor <= 0 {
		c.ReconnectBackoffFactor = 2.0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.New())
	}
}

// Controller is an optional WebSocket client that lets an external
// scheduler deliver cancel requests to whichever process is running a
// given sync job, and reports job status back on request. It is the
// sync-core analogue of the reference Coordinator, with pause/resume and
// phase/checkpoint messaging dropped since a sync job's only mid-flight
// control surface is cancellation.
type Controller struct {
	cfg      ControlConfig
	log      *logrus.Entry
	registry *orchestrator.Registry

	connMu sync.RWMutex
	conn   *websocket.Conn

	sendChan chan *ControlMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController builds a Controller that delivers cancel requests into
// registry (the same Registry an Orchestrator reports job state into).
func NewController(cfg ControlConfig, registry *orchestrator.Registry) *Controller {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "control"),
		registry: registry,
		sendChan: make(chan *ControlMessage, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect starts the reconnecting WebSocket client loop in the
// background.
func (c *Controller) Connect() {
	c.wg.Add(1)
	go c.connectionLoop()
}

// Close tears down the connection and stops all goroutines.
func (c *Controller) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

func (c *Controller) connectionLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectInitialDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.log.WithError(err).Warn("control channel connect failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.cfg.ReconnectBackoffFactor)
			if delay > c.cfg.ReconnectMaxDelay {
				delay = c.cfg.ReconnectMaxDelay
			}
			continue
		}

		delay = c.cfg.ReconnectInitialDelay
		if err := c.runConnection(); err != nil {
			c.log.WithError(err).Warn("control channel connection lost")
		}
	}
}

func (c *Controller) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{}
	headers.Set("X-Service-Name", c.cfg.ServiceName)

	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	return c.send(newControlMessage(ControlRegister))
}

func (c *Controller) runConnection() error {
	senderDone := make(chan struct{})
	go func() { defer close(senderDone); c.senderLoop() }()

	pingDone := make(chan struct{})
	go func() { defer close(pingDone); c.pingLoop() }()

	err := c.readLoop()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	<-senderDone
	<-pingDone
	return err
}

func (c *Controller) readLoop() error {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("failed to parse control message")
			continue
		}
		c.handle(&msg)
	}
}

func (c *Controller) senderLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			if err := c.send(msg); err != nil {
				c.log.WithError(err).Warn("failed to send control message")
			}
		}
	}
}

func (c *Controller) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendChan <- newControlMessage(ControlPing)
		}
	}
}

func (c *Controller) send(msg *ControlMessage) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling control message: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Controller) handle(msg *ControlMessage) {
	switch msg.Type {
	case ControlPing:
		c.sendChan <- newControlMessage(ControlPong)

	case ControlCancel:
		if msg.SyncJobID == "" {
			return
		}
		ok := c.registry.Cancel(msg.SyncJobID)
		c.log.WithField("sync_job_id", msg.SyncJobID).WithField("accepted", ok).Info("cancel requested over control channel")

	case ControlStatusReq:
		if msg.SyncJobID == "" {
			return
		}
		job, found := c.registry.Get(msg.SyncJobID)
		reply := newControlMessage(ControlStatus)
		reply.SyncJobID = msg.SyncJobID
		reply.Payload["found"] = found
		if found {
			reply.Payload["status"] = string(job.Status)
			reply.Payload["inserted"] = job.Inserted
			reply.Payload["updated"] = job.Updated
			reply.Payload["kept"] = job.Kept
			reply.Payload["deleted"] = job.Deleted
			reply.Payload["skipped"] = job.Skipped
		}
		c.sendChan <- reply
	}
}
