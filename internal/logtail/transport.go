package logtail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const maxLineSize = 1 << 20

// ErrStreamClosed marks a stream the server closed cleanly.
var ErrStreamClosed = errors.New("log stream closed by server")

// Message is one log line as delivered by the server. ID is empty when the
// transport carries no ids.
type Message struct {
	ID   string
	Text string
}

// Stream is an open log connection.
type Stream interface {
	// Next blocks for the next message. It returns ErrStreamClosed when the
	// server ends the stream cleanly.
	Next() (Message, error)
	Close() error
}

// Transport opens log streams. lastID, when set, asks the server to resume
// after that message.
type Transport interface {
	Open(ctx context.Context, url, lastID string) (Stream, error)
}

// SSETransport reads text/event-stream responses.
type SSETransport struct {
	Client *http.Client
}

// Open implements Transport.
func (t *SSETransport) Open(ctx context.Context, url, lastID string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	client := t.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open log stream: status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &sseStream{body: resp.Body, sc: sc}, nil
}

type sseStream struct {
	body interface{ Close() error }
	sc   *bufio.Scanner
	once sync.Once
}

// Next parses events per the SSE framing: data lines are joined with
// newlines and dispatched on a blank line; comments and other fields are
// skipped.
func (s *sseStream) Next() (Message, error) {
	var (
		id   string
		data []string
	)
	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			if len(data) > 0 {
				return Message{ID: id, Text: strings.Join(data, "\n")}, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "id":
			id = value
		}
	}
	if err := s.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, ErrStreamClosed
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

// WebSocketTransport reads text frames. A frame holding a JSON object with
// "id" and "text" keeps its id; any other frame is the log line itself.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

// Open implements Transport.
func (t *WebSocketTransport) Open(ctx context.Context, url, lastID string) (Stream, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u := toWebSocketURL(url)
	if lastID != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "last_event_id=" + lastID
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open log socket: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
}

type wsFrame struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (s *wsStream) Next() (Message, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{}, ErrStreamClosed
			}
			return Message{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var f wsFrame
		if json.Unmarshal(data, &f) == nil && f.Text != "" {
			return Message{ID: f.ID, Text: f.Text}, nil
		}
		return Message{Text: string(data)}, nil
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
