package broker

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RemotePort is a port on a broker server, reached over its /ws endpoint.
// Command errors arrive asynchronously as KindError messages carrying the
// request id.
type RemotePort struct {
	url string
	ws  *websocket.Conn
	log *zap.Logger

	wmu  sync.Mutex
	out  chan Message
	done chan struct{}
	once sync.Once
}

// DialPort connects to a broker server. url is the full websocket URL,
// e.g. ws://localhost:8090/ws.
func DialPort(ctx context.Context, url string) (*RemotePort, error) {
	d := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apperrors.ConnectionError(url, err)
	}
	r := &RemotePort{
		url:  url,
		ws:   ws,
		log:  logger.New("remote-port").With(zap.String("url", url)),
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *RemotePort) Messages() <-chan Message { return r.out }

// Send writes cmd as one JSON envelope.
func (r *RemotePort) Send(ctx context.Context, requestID string, cmd Command) error {
	data, err := EncodeCommand(cmd, requestID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return ErrPortClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	_ = r.ws.SetWriteDeadline(deadline)
	if err := r.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.WebSocketError("send command", err)
	}
	return nil
}

// Close sends a close frame and drops the connection.
func (r *RemotePort) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wmu.Lock()
		_ = r.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.wmu.Unlock()
		_ = r.ws.Close()
	})
}

func (r *RemotePort) readLoop() {
	defer close(r.out)
	defer r.Close()
	for {
		var m Message
		if err := r.ws.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-r.done:
				default:
					r.log.Debug("remote port read error", zap.Error(err))
				}
			}
			return
		}
		select {
		case r.out <- m:
		case <-r.done:
			return
		}
	}
}
