package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"vestnik/internal/codec"
	"vestnik/internal/models"

	"github.com/gorilla/websocket"
)

var ErrReplaced = errors.New("connection replaced by a newer one")

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

type messageHub interface {
	Join(userID string) (string, <-chan []byte)
	Leave(userID, connID string)
	Relay(userID string, env models.Envelope)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	connID     string
	fromClient chan models.Envelope
	fromServer <-chan []byte
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
) *Connection {
	connID, fromServer := hub.Join(userID)
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		connID:     connID,
		fromClient: make(chan models.Envelope),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := codec.Decode(data)
		if err != nil {
			slog.Warn("Dropping malformed envelope", "userId", c.userID, "error", err)
			continue
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			c.hub.Relay(c.userID, env)
		case frame, ok := <-c.fromServer:
			if !ok {
				return ErrReplaced
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
