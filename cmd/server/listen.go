package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

const (
	pongWait      = 70 * time.Second
	pingPeriod    = 25 * time.Second
	writeWait     = 10 * time.Second
	maxMessageLen = 1 << 20
)

var errDisconnected = errors.New("client disconnected")

// listenConn is one /api/listen client: binary frames carry 16-bit mono PCM
// at the server sample rate, text frames carry commands.
type listenConn struct {
	conn *websocket.Conn
	svc  *acousticdna.RecognitionService
	log  *logger.Logger
	out  chan []byte
}

func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.config.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// handleListen handles GET /api/listen
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := s.newUpgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log := s.log.With(fmt.Sprintf("[listen %s]", uuid.NewString()[:8]))
	svc, err := s.newService(log, acousticdna.WithOverflow(capture.DropOldest))
	if err != nil {
		log.Errorf("Failed to create service: %v", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "service unavailable"))
		return
	}

	s.listening.Add(1)
	defer s.listening.Add(-1)
	log.Infof("Client connected from %s", getClientIP(r))

	lc := &listenConn{
		conn: conn,
		svc:  svc,
		log:  log,
		out:  make(chan []byte, max(s.config.Engine.OutcomeQueueSize, 1)),
	}
	err = lc.serve(r.Context())
	// Close delivers the outcome of a still-running session; the writer is
	// gone by then so it is dropped with the listener.
	svc.Unsignal()
	if cerr := svc.Close(); cerr != nil {
		log.Warnf("Closing service: %v", cerr)
	}

	if err != nil && !errors.Is(err, errDisconnected) {
		log.Warnf("Connection ended: %v", err)
		return
	}
	log.Infof("Client disconnected")
}

func (c *listenConn) serve(ctx context.Context) error {
	c.svc.Signal(acousticdna.JSONListener{Send: c.enqueue})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.svc.Start(ctx); err != nil {
		return err
	}

	c.conn.SetReadLimit(maxMessageLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error {
		// Unblocks the reader once either loop has ended.
		<-gctx.Done()
		return c.conn.SetReadDeadline(time.Now())
	})
	return g.Wait()
}

// enqueue hands an encoded outcome to the writer, dropping it when the
// client is too slow to keep up.
func (c *listenConn) enqueue(data []byte) {
	select {
	case c.out <- data:
	default:
		c.log.Warnf("Dropping message, client is not reading")
	}
}

func (c *listenConn) readLoop(ctx context.Context) error {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errDisconnected
			}
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}

		switch kind {
		case websocket.BinaryMessage:
			if err := c.svc.FeedPCM16(ctx, payload); err != nil {
				c.log.Warnf("Feeding audio: %v", err)
				c.sendError(err)
			}
		case websocket.TextMessage:
			c.command(string(payload))
		}
	}
}

// command runs one text command: start, stop, end, status or
// "autodiscovery on|off".
func (c *listenConn) command(text string) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return
	}
	c.log.Debugf("Command: %s", strings.Join(fields, " "))

	var err error
	switch fields[0] {
	case "start":
		err = c.svc.StartSession()
	case "stop":
		err = c.svc.StopSession()
	case "end":
		err = c.svc.EndFeed()
	case "status":
		c.sendStatus()
	case "autodiscovery":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			err = models.NewError(models.KindEngine, "command", fmt.Errorf("usage: autodiscovery on|off"))
			break
		}
		c.svc.SetAutodiscovery(fields[1] == "on")
		c.sendStatus()
	default:
		err = models.NewError(models.KindEngine, "command", fmt.Errorf("unknown command %q", fields[0]))
	}
	if err != nil {
		c.sendError(err)
	}
}

func (c *listenConn) sendError(err error) {
	data, merr := json.Marshal(acousticdna.ErrorMessage(models.KindOf(err), err.Error()))
	if merr != nil {
		return
	}
	c.enqueue(data)
}

func (c *listenConn) sendStatus() {
	data, err := json.Marshal(StatusMessage{
		Status:        acousticdna.StatusOK,
		State:         c.svc.State().String(),
		Autodiscovery: c.svc.GetAutodiscovery(),
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *listenConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
