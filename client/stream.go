package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
)

// MessageKind tags a Message.
type MessageKind int

const (
	// MessageConnected reports an opened stream; Ack holds the server's ack.
	MessageConnected MessageKind = iota
	// MessageUpdate carries one change record.
	MessageUpdate
	// MessageClosed reports a lost or refused connection; Err is a
	// *domain.TransportError.
	MessageClosed
)

func (k MessageKind) String() string {
	switch k {
	case MessageConnected:
		return "connected"
	case MessageUpdate:
		return "update"
	case MessageClosed:
		return "closed"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Message is everything the stream reports to the engine.
type Message struct {
	Kind   MessageKind
	Ack    string
	Record domain.ChangeRecord
	Err    error
}

// Stream reads the live-update channel and reconnects with exponential
// backoff until its context ends.
type Stream struct {
	URL        string
	HTTP       *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Log        log.FieldLogger
}

// NewStream creates a Stream for the server at baseURL.
func NewStream(baseURL string, maxBackoff time.Duration, logger log.FieldLogger) *Stream {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Stream{
		URL:        strings.TrimSuffix(baseURL, "/") + "/events/stream",
		HTTP:       &http.Client{},
		MinBackoff: time.Second,
		MaxBackoff: maxBackoff,
		Log:        logger,
	}
}

// Run delivers messages to out until ctx is cancelled, then closes out.
func (s *Stream) Run(ctx context.Context, out chan<- Message) {
	defer close(out)
	backoff := s.MinBackoff
	for ctx.Err() == nil {
		opened, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if opened {
			backoff = s.MinBackoff
		}
		if !send(ctx, out, Message{Kind: MessageClosed, Err: &domain.TransportError{Err: err}}) {
			return
		}
		s.Log.WithError(err).WithField("retry_in", backoff).Warn("stream closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.MaxBackoff)
	}
}

// session runs one connection. opened reports whether the server acknowledged
// the subscription.
func (s *Stream) session(ctx context.Context, out chan<- Message) (opened bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream status %d", resp.StatusCode)
	}

	var (
		event string
		data  []string
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			msg, ok := s.decode(event, strings.Join(data, "\n"))
			event, data = "", nil
			if !ok {
				continue
			}
			if msg.Kind == MessageConnected {
				opened = true
			}
			if !send(ctx, out, msg) {
				return opened, ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
			// comment, e.g. heartbeat
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return opened, err
	}
	return opened, io.EOF
}

// decode turns one SSE frame into a Message. An update that cannot be
// understood becomes a refresh, since the receiver can no longer trust its
// state.
func (s *Stream) decode(event, data string) (Message, bool) {
	switch event {
	case "connected":
		return Message{Kind: MessageConnected, Ack: data}, true
	case "update", "":
		var rec domain.ChangeRecord
		err := sonic.UnmarshalString(data, &rec)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			s.Log.WithError(err).WithField("data", data).Warn("unreadable change record, requesting refresh")
			rec = domain.RefreshRecord()
		}
		return Message{Kind: MessageUpdate, Record: rec}, true
	default:
		s.Log.WithField("event", event).Debug("ignoring unknown stream event")
		return Message{}, false
	}
}

func send(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsTransport reports whether err came from the live-update channel.
func IsTransport(err error) bool {
	var terr *domain.TransportError
	return errors.As(err, &terr)
}
