package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-classroom/livepoll/internal/middleware"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/poll"
	"github.com/aura-classroom/livepoll/internal/session"
)

// Inbound commands.
const (
	CmdSnapshot      = "snapshot"
	CmdCreatePoll    = "create_poll"
	CmdEndPoll       = "end_poll"
	CmdSubmitAnswer  = "submit_answer"
	CmdKickStudent   = "kick_student"
	CmdRemoveStudent = "remove_student"
	CmdRemoveResult  = "remove_result"
	CmdClearResults  = "clear_results"
)

// Outbound events besides the session ops.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrForbidden      = errors.New("command not allowed for this role")
	ErrBadPayload     = errors.New("invalid command payload")
	ErrRateLimited    = errors.New("rate limited")
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Command  string   `json:"command"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

type emailPayload struct {
	Email string `json:"email"`
}

type idPayload struct {
	ID string `json:"id"`
}

type answerPayload struct {
	Option string `json:"option"`
}

// Client is one WebSocket connection and the context it runs.
type Client struct {
	ID      string
	User    models.User
	hub     *Hub
	conn    *websocket.Conn
	send    chan WSMessage
	limiter *rate.Limiter
	logger  *zap.Logger
	sess    session.Context
}

func newClient(hub *Hub, user models.User, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		ID:      id,
		User:    user,
		hub:     hub,
		conn:    conn,
		send:    make(chan WSMessage, sendBuffer),
		limiter: hub.limiter(),
		logger:  hub.logger.With(zap.String("client_id", id), zap.String("email", user.Email)),
	}
}

// ServeWs upgrades an authenticated request and runs the user's context until the socket closes.
// It must sit behind middleware.JWT.
func ServeWs(hub *Hub) gin.HandlerFunc {
	checkOrigin := hub.opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return func(c *gin.Context) {
		user, ok := middleware.User(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user context"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, user, conn)
		sess, err := hub.login(client)
		if err != nil {
			client.logger.Error("login failed", zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "login failed"), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		client.sess = sess
		if !hub.Register(client) {
			client.logout(context.Background())
			_ = conn.Close()
			return
		}
		client.enqueue(client.snapshot())
		go client.writePump()
		client.readPump()
	}
}

// notify forwards a context event to the socket. A full buffer drops the event.
func (c *Client) notify(e session.Event) {
	msg, err := encode(string(e.Op), e.Data)
	if err != nil {
		c.logger.Warn("encode event", zap.String("op", string(e.Op)), zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping event", zap.String("event", msg.Event))
	}
}

func (c *Client) logout(ctx context.Context) {
	if c.sess == nil {
		return
	}
	if err := c.sess.Logout(ctx); err != nil {
		c.logger.Warn("logout", zap.Error(err))
	}
}

func encode(event string, data any) (WSMessage, error) {
	if data == nil {
		return WSMessage{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Event: event, Data: raw}, nil
}

func (c *Client) snapshot() WSMessage {
	var data any
	switch s := c.sess.(type) {
	case *session.Teacher:
		data = s.Snapshot()
	case *session.Student:
		data = s.Snapshot()
	}
	msg, err := encode(EventSnapshot, data)
	if err != nil {
		return errorMessage(CmdSnapshot, err)
	}
	return msg
}

func errorMessage(command string, err error) WSMessage {
	data := ErrorData{Command: command, Message: err.Error()}
	var verr *poll.ValidationError
	if errors.As(err, &verr) {
		data.Problems = verr.Problems
	}
	msg, _ := encode(EventError, data)
	return msg
}

func decode(msg WSMessage, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// handle runs one inbound command and returns the direct reply, if any. State changes reach the
// socket as context events.
func (c *Client) handle(ctx context.Context, msg WSMessage) *WSMessage {
	if msg.Event == CmdSnapshot {
		reply := c.snapshot()
		return &reply
	}
	var err error
	switch s := c.sess.(type) {
	case *session.Teacher:
		err = teacherCommand(ctx, s, msg)
	case *session.Student:
		err = studentCommand(ctx, s, msg)
	default:
		err = ErrForbidden
	}
	if err != nil {
		reply := errorMessage(msg.Event, err)
		return &reply
	}
	return nil
}

func teacherCommand(ctx context.Context, t *session.Teacher, msg WSMessage) error {
	switch msg.Event {
	case CmdCreatePoll:
		var d poll.Draft
		if err := decode(msg, &d); err != nil {
			return err
		}
		_, err := t.CreatePoll(ctx, d)
		return err
	case CmdEndPoll:
		_, err := t.EndPoll(ctx)
		return err
	case CmdKickStudent, CmdRemoveStudent:
		var p emailPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if msg.Event == CmdKickStudent {
			return t.Kick(ctx, p.Email)
		}
		return t.Remove(ctx, p.Email)
	case CmdRemoveResult:
		var p idPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return t.RemovePollResult(ctx, p.ID)
	case CmdClearResults:
		return t.ClearPollResults(ctx)
	case CmdSubmitAnswer:
		return ErrForbidden
	default:
		return ErrUnknownCommand
	}
}

func studentCommand(ctx context.Context, s *session.Student, msg WSMessage) error {
	switch msg.Event {
	case CmdSubmitAnswer:
		var p answerPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.Submit(ctx, p.Option)
	case CmdCreatePoll, CmdEndPoll, CmdKickStudent, CmdRemoveStudent, CmdRemoveResult, CmdClearResults:
		return ErrForbidden
	default:
		return ErrUnknownCommand
	}
}

func (c *Client) readPump() {
	defer func() {
		c.logout(context.Background())
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		if !c.limiter.Allow() {
			c.enqueue(errorMessage(msg.Event, ErrRateLimited))
			continue
		}
		if reply := c.handle(c.hub.ctx, msg); reply != nil {
			c.enqueue(*reply)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.sess.Done():
			// Kicked or logged out: flush what is queued (the kicked event included), then close.
		flush:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					break flush
				}
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) write(msg WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
