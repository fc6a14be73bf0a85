package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"modelkeeper/internal/errs"
)

// FrameBytes bounds each binary websocket message sent to the recognizer.
const FrameBytes = 10 * 1024

// recognizerSession is one websocket connection to a sherpa offline server.
// Each payload is [int32 sample rate][int32 byte count][float32 samples],
// little endian, split across frames; the server answers with one text
// message per payload.
type recognizerSession struct {
	conn *websocket.Conn
}

func dialRecognizer(ctx context.Context, d *websocket.Dialer, addr string) (*recognizerSession, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Cancelled, "transcribe", ctx.Err())
		}
		return nil, errs.Wrapf(errs.RequestFailure, "transcribe", err, "connect to recognizer at %s", addr)
	}
	return &recognizerSession{conn: conn}, nil
}

func encodePayload(samples []float32, rate int) []byte {
	buf := make([]byte, 8+4*len(samples))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(rate)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(4*len(samples))))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(s))
	}
	return buf
}

// recognize sends one segment and waits for its text.
func (s *recognizerSession) recognize(ctx context.Context, samples []float32, rate int) (string, time.Duration, error) {
	const op = "transcribe"
	began := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		_ = s.conn.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	payload := encodePayload(samples, rate)
	for off := 0; off < len(payload); off += FrameBytes {
		end := min(off+FrameBytes, len(payload))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, payload[off:end]); err != nil {
			return "", 0, s.wrap(ctx, op, err, "send samples")
		}
	}
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return "", 0, s.wrap(ctx, op, err, "read result")
	}
	return parseRecognizerText(msg), time.Since(began), nil
}

func (s *recognizerSession) wrap(ctx context.Context, op string, err error, what string) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.Cancelled, op, ctx.Err())
	}
	return errs.Wrapf(errs.RequestFailure, op, err, "%s", what)
}

// close tells the server the session is over.
func (s *recognizerSession) close() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("Done"))
	_ = s.conn.Close()
}

// parseRecognizerText accepts {"text": ...} or bare text.
func parseRecognizerText(msg []byte) string {
	var r struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(msg, &r); err == nil && r.Text != nil {
		return strings.TrimSpace(*r.Text)
	}
	return strings.TrimSpace(string(msg))
}
