package network

import (
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionOptions configures timeouts and limits for a Connection.
type ConnectionOptions struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxPayloadSize uint32
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.MaxPayloadSize == 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return o
}

// Connection owns one peer socket. Only one operation may use it at a time.
type Connection struct {
	conn    net.Conn
	options ConnectionOptions

	bytesSent     uint64
	bytesReceived uint64

	closeOnce sync.Once
}

// NewConnection wraps an established socket. Zero timeouts disable deadlines.
func NewConnection(conn net.Conn, options ConnectionOptions) *Connection {
	return &Connection{
		conn:    conn,
		options: options.withDefaults(),
	}
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// SendMessage frames and writes one message.
func (c *Connection) SendMessage(m Message) error {
	if err := c.armWrite(); err != nil {
		return err
	}
	if err := WriteMessage(c.conn, m); err != nil {
		return err
	}
	c.bytesSent += HeaderSize + uint64(m.EncodedSize())
	return nil
}

// ReceiveHeader reads the next frame header without its payload.
func (c *Connection) ReceiveHeader() (FrameHeader, error) {
	if err := c.armRead(); err != nil {
		return FrameHeader{}, err
	}
	header, err := ReadFrameHeader(c.conn)
	if err != nil {
		return FrameHeader{}, err
	}
	c.bytesReceived += HeaderSize
	return header, nil
}

// ReadPayload fills buf with the payload announced by the last header.
func (c *Connection) ReadPayload(buf []byte) error {
	if err := c.armRead(); err != nil {
		return err
	}
	if err := ReadExact(c.conn, buf); err != nil {
		return ioError("read frame payload", err)
	}
	c.bytesReceived += uint64(len(buf))
	return nil
}

// Discard consumes n payload bytes without buffering them.
func (c *Connection) Discard(n uint32) error {
	if err := c.armRead(); err != nil {
		return err
	}
	copied, err := io.CopyN(io.Discard, c.conn, int64(n))
	c.bytesReceived += uint64(copied)
	if err != nil {
		if err == io.EOF {
			err = ErrPeerClosed
		}
		return ioError("discard frame payload", err)
	}
	return nil
}

// ReceiveMessage reads and decodes the next frame.
func (c *Connection) ReceiveMessage() (Message, error) {
	header, err := c.ReceiveHeader()
	if err != nil {
		return nil, err
	}
	return c.readMessage(header)
}

// Expect reads the next frame and fails with a SequenceError unless it has id.
// A mismatch leaves the payload unread, so the connection is closed.
func (c *Connection) Expect(id uint32) (Message, error) {
	header, err := c.ReceiveHeader()
	if err != nil {
		return nil, err
	}
	if header.ID != id {
		return nil, c.Abort(&SequenceError{Want: id, Got: header.ID})
	}
	return c.readMessage(header)
}

func (c *Connection) readMessage(header FrameHeader) (Message, error) {
	if header.Length > c.options.MaxPayloadSize {
		return nil, c.Abort(ErrFrameTooLarge)
	}
	payload := make([]byte, int(header.Length))
	if err := c.ReadPayload(payload); err != nil {
		return nil, err
	}
	return DecodeMessage(header.ID, payload)
}

// CloseRead stops reading from the peer after a fatal protocol error. Sockets
// without half-close support are closed entirely.
func (c *Connection) CloseRead() error {
	if tcp, ok := c.conn.(interface{ CloseRead() error }); ok {
		return tcp.CloseRead()
	}
	return c.Close()
}

// Abort closes the connection and returns err. Used once the stream is out of
// step with the peer, or the peer is waiting on a reply that will not come.
func (c *Connection) Abort(err error) error {
	_ = c.Close()
	return err
}

// Close closes the socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Stats returns the frame bytes written and read so far.
func (c *Connection) Stats() (sent uint64, received uint64) {
	return c.bytesSent, c.bytesReceived
}

func (c *Connection) armRead() error {
	if c.options.ReadTimeout <= 0 {
		return nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout)); err != nil {
		return ioError("set read deadline", err)
	}
	return nil
}

func (c *Connection) armWrite() error {
	if c.options.WriteTimeout <= 0 {
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		return ioError("set write deadline", err)
	}
	return nil
}
