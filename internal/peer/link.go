package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds one newline-delimited frame.
const maxFrameSize = 1 << 20

// Link is one live peer connection. It is owned exclusively by the Manager
// and destroyed when the transport reports closure or a liveness check fails.
type Link struct {
	peerID      string
	conn        net.Conn
	reader      *bufio.Reader
	connectedAt time.Time

	wmu sync.Mutex // serializes writers

	mu          sync.Mutex
	lastChecked time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newLink(peerID string, conn net.Conn) *Link {
	return &Link{
		peerID:      peerID,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, maxFrameSize),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
}

// PeerID returns the id of the node on the far end.
func (l *Link) PeerID() string { return l.peerID }

// ConnectedAt returns when the link was established.
func (l *Link) ConnectedAt() time.Time { return l.connectedAt }

// WriteFrame sends one frame, newline-terminated, with a write deadline.
func (l *Link) WriteFrame(f *Frame, timeout time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if timeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := l.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one newline-delimited frame. A zero timeout blocks until
// the next frame or connection closure.
func (l *Link) ReadFrame(timeout time.Duration) (*Frame, error) {
	if timeout > 0 {
		l.conn.SetReadDeadline(time.Now().Add(timeout))
		defer l.conn.SetReadDeadline(time.Time{})
	}
	line, err := l.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Touch records a passed liveness check.
func (l *Link) Touch() {
	l.mu.Lock()
	l.lastChecked = time.Now()
	l.mu.Unlock()
}

// LastChecked returns the time of the last passed liveness check.
func (l *Link) LastChecked() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastChecked
}

// Close tears the connection down. Idempotent.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}
