// Package terminal is a line-oriented serial terminal that consumes relay
// events and renders them to a writer.
//
// All methods must run on the relay's dispatch context.
package terminal

import (
	"errors"
	"io"
	"strings"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"bluetooth-chat/internal/relay"
)

var ErrNotConnected = errors.New("terminal: not connected")

// State is the terminal's view of the connection.
type State int

const (
	Disconnected State = iota
	Pending
	Connected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Link is the connection the terminal writes to and tears down on errors.
type Link interface {
	Write(p []byte) error
	Disconnect()
}

// Terminal renders received data and status lines, and sends typed lines.
type Terminal struct {
	out     io.Writer
	link    Link
	hex     bool
	newline Newline
	log     *zap.Logger

	state       State
	pendingCR   bool // CR at the end of the last fragment, shown once the next one arrives
	atLineStart bool
}

var _ relay.Consumer = (*Terminal)(nil)

type Option func(*Terminal)

func WithHex(on bool) Option { return func(t *Terminal) { t.hex = on } }

func WithNewline(n Newline) Option { return func(t *Terminal) { t.newline = n } }

func WithLogger(log *zap.Logger) Option {
	return func(t *Terminal) {
		if log != nil {
			t.log = log
		}
	}
}

func New(out io.Writer, link Link, opts ...Option) *Terminal {
	t := &Terminal{
		out:         out,
		link:        link,
		newline:     NewlineCRLF,
		log:         zap.NewNop(),
		atLineStart: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("terminal")
	return t
}

func (t *Terminal) State() State { return t.state }

func (t *Terminal) Hex() bool { return t.hex }

func (t *Terminal) SetHex(on bool) {
	t.flushPendingCR()
	t.hex = on
}

func (t *Terminal) Newline() Newline { return t.newline }

func (t *Terminal) SetNewline(n Newline) {
	t.flushPendingCR()
	t.newline = n
}

// Connecting marks the start of a connection attempt.
func (t *Terminal) Connecting() {
	t.state = Pending
	t.Status("connecting...")
}

func (t *Terminal) OnConnected() {
	t.Status("connected")
	t.state = Connected
}

func (t *Terminal) OnConnectError(err error) {
	t.Status("connection failed: " + err.Error())
	t.disconnect()
}

func (t *Terminal) OnIoError(err error) {
	t.Status("connection lost: " + err.Error())
	t.disconnect()
}

func (t *Terminal) disconnect() {
	t.state = Disconnected
	t.link.Disconnect()
}

// Disconnect drops the connection on user request.
func (t *Terminal) Disconnect() {
	if t.state == Disconnected {
		return
	}
	t.disconnect()
	t.Status("disconnected")
}

func (t *Terminal) OnDataReady(batch [][]byte) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, data := range batch {
		if t.hex {
			buf.B = AppendHex(buf.B, data)
			buf.B = append(buf.B, '\n')
			continue
		}
		buf.B = t.appendText(buf.B, data)
	}
	t.emit(buf.B)
}

func (t *Terminal) appendText(dst, data []byte) []byte {
	msg := string(data)
	if t.newline == NewlineCRLF && len(msg) > 0 {
		if t.pendingCR {
			t.pendingCR = false
			if msg[0] == '\n' {
				dst = append(dst, '\n')
				msg = msg[1:]
			} else {
				dst = append(dst, '^', 'M')
			}
		}
		// Don't show CR as ^M directly before LF.
		msg = strings.ReplaceAll(msg, "\r\n", "\n")
		if strings.HasSuffix(msg, "\r") {
			t.pendingCR = true
			msg = msg[:len(msg)-1]
		}
	}
	return AppendCaret(dst, msg, t.newline != NewlineNone)
}

func (t *Terminal) flushPendingCR() {
	if t.pendingCR {
		t.pendingCR = false
		t.emit([]byte("^M"))
	}
}

// Status prints a status line on a line of its own.
func (t *Terminal) Status(s string) {
	t.flushPendingCR()
	t.line(s)
}

func (t *Terminal) line(s string) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if !t.atLineStart {
		buf.B = append(buf.B, '\n')
	}
	buf.B = append(buf.B, s...)
	buf.B = append(buf.B, '\n')
	t.emit(buf.B)
}

func (t *Terminal) emit(p []byte) {
	if len(p) == 0 {
		return
	}
	if _, err := t.out.Write(p); err != nil {
		t.log.Warn("write output", zap.Error(err))
	}
	t.atLineStart = p[len(p)-1] == '\n'
}

// Send transmits s followed by the newline. In hex mode s is parsed as hex
// digits. The sent line is echoed.
func (t *Terminal) Send(s string) error {
	if t.state != Connected {
		t.Status("not connected")
		return ErrNotConnected
	}
	var msg string
	var data []byte
	if t.hex {
		data = append(FromHex(s), t.newline...)
		msg = ToHex(data)
	} else {
		msg = s
		data = []byte(s + string(t.newline))
	}
	t.flushPendingCR()
	t.line(msg)
	if err := t.link.Write(data); err != nil {
		t.OnIoError(err)
		return err
	}
	return nil
}
