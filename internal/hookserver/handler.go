package hookserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/correlate"
	"github.com/g960059/islandd/internal/pending"
	"github.com/g960059/islandd/internal/wire"
)

var errMessageTooLarge = errors.New("message too large")

// serveConn reads one message and hands it to result, which is buffered.
// Every path sends exactly once so the processing goroutine never stalls.
func (s *Server) serveConn(conn net.Conn, result chan<- inbound) {
	defer s.wg.Done()
	msg, ok := s.readInbound(conn)
	if !ok {
		conn.Close() //nolint:errcheck
		result <- inbound{}
		return
	}
	result <- msg
}

func (s *Server) readInbound(conn net.Conn) (inbound, bool) {
	data, err := s.readMessage(conn)
	if err != nil {
		s.logger.Warn("read hook message failed", zap.Error(err))
		return inbound{}, false
	}
	if len(data) == 0 {
		return inbound{}, false
	}
	ev, err := wire.DecodeEvent(data)
	if err != nil {
		s.logger.Warn("decode hook message failed", zap.Error(err), zap.Int("bytes", len(data)))
		return inbound{}, false
	}
	return inbound{conn: conn, ev: ev}, true
}

// readMessage reads one message. It stops at EOF, at a read error, once the
// buffer holds a complete JSON document, when no byte arrives for the
// quiescence window after the first byte, or at the overall read timeout.
// An empty result means the client sent nothing.
func (s *Server) readMessage(conn net.Conn) ([]byte, error) {
	overall := time.Now().Add(s.opts.ReadTimeout)
	buf := make([]byte, 0, defaultReadChunk)
	chunk := make([]byte, defaultReadChunk)
	for {
		deadline := overall
		if len(buf) > 0 {
			if quiet := time.Now().Add(s.opts.QuiescenceWindow); quiet.Before(deadline) {
				deadline = quiet
			}
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			if int64(len(buf)+n) > s.opts.MaxMessageBytes {
				return nil, fmt.Errorf("%w: more than %d bytes", errMessageTooLarge, s.opts.MaxMessageBytes)
			}
			buf = append(buf, chunk[:n]...)
			if completeDocument(buf) {
				break
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
				break
			}
			if len(buf) == 0 {
				return nil, err
			}
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return buf, nil
}

func completeDocument(buf []byte) bool {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return json.Valid(trimmed)
}

// process runs on the processing goroutine only.
func (s *Server) process(msg inbound) {
	ev := msg.ev
	log := s.logger.With(zap.String("session_id", ev.SessionID), zap.String("event", ev.Kind))

	switch ev.Kind {
	case wire.KindPreToolUse:
		if id := ev.ToolUseIDValue(); id != "" {
			s.cache.Push(correlate.KeyFor(ev), id)
		}
	case wire.KindSessionEnd:
		purged := s.cache.Purge(ev.SessionID)
		cancelled := s.CancelAll(ev.SessionID)
		log.Debug("session ended", zap.Int("purged_keys", purged), zap.Int("cancelled_pending", cancelled))
	}

	onEvent, _ := s.callbacks()
	forward := func(e wire.Event) {
		if onEvent != nil {
			onEvent(e)
		}
	}

	if !ev.ExpectsResponse() {
		msg.conn.Close() //nolint:errcheck
		forward(ev)
		return
	}

	id := ev.ToolUseIDValue()
	if id == "" {
		popped, ok := s.cache.Pop(correlate.KeyFor(ev))
		if !ok {
			log.Warn("permission request without tool_use_id and no cached id; forwarding without hold",
				zap.String("tool", ev.ToolName()))
			msg.conn.Close() //nolint:errcheck
			forward(ev)
			return
		}
		id = popped
	}

	derived := ev.WithToolUseID(id)
	entry := pending.NewEntry(msg.conn, derived, s.opts.Now())
	if replaced := s.pending.Insert(entry); replaced != nil {
		log.Warn("replacing pending entry with same tool_use_id", zap.String("tool_use_id", id))
		_ = replaced.Close()
	}
	log.Info("permission request pending", zap.String("tool_use_id", id), zap.String("tool", ev.ToolName()))
	forward(derived)
}
