package conn

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn is an accepted device socket with an id, its address tuple and byte
// counters.
type Conn struct {
	cid      uint64
	tuple    []string
	created  time.Time
	byte_in  uint64
	byte_out uint64
	closed   uint32
	once     sync.Once
	imei     atomic.Value
	net.Conn
}

type Stat struct {
	Cid      uint64    `json:"cid"`
	IMEI     string    `json:"imei,omitempty"`
	Socket   []string  `json:"socket"`
	Created  time.Time `json:"created"`
	ByteIn   uint64    `json:"byte_in"`
	ByteOut  uint64    `json:"byte_out"`
	Duration string    `json:"duration"`
}

func NewConn(c net.Conn, cid uint64) *Conn {
	return NewConnWithAddr(c, c.RemoteAddr().String(), cid)
}

// NewConnWithAddr is used for tunneled streams where the remote address is
// announced by the tunnel instead of read from the socket.
func NewConnWithAddr(c net.Conn, raddr string, cid uint64) *Conn {
	sourceip, sourceport, err := net.SplitHostPort(strings.TrimSpace(raddr))
	if err != nil {
		sourceip = strings.TrimSpace(raddr)
	}
	var targetip, targetport string
	if c.LocalAddr() != nil {
		targetip, targetport, _ = net.SplitHostPort(c.LocalAddr().String())
	}
	o := &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, created: time.Now(), Conn: c}
	o.imei.Store("")
	return o
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

// WriteTimeout writes p with a deadline of d from now, d <= 0 means no deadline.
func (c *Conn) WriteTimeout(p []byte, d time.Duration) (int, error) {
	if d > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(d))
	}
	return c.Write(p)
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		atomic.StoreUint32(&c.closed, 1)
		err = c.Conn.Close()
	})
	return err
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) SetIMEI(imei string) {
	c.imei.Store(imei)
}

func (c *Conn) IMEI() string {
	return c.imei.Load().(string)
}

func (c *Conn) Stat() Stat {
	return Stat{
		Cid:      c.cid,
		IMEI:     c.IMEI(),
		Socket:   c.tuple,
		Created:  c.created,
		ByteIn:   atomic.LoadUint64(&c.byte_in),
		ByteOut:  atomic.LoadUint64(&c.byte_out),
		Duration: time.Since(c.created).Truncate(time.Second).String(),
	}
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
	if imei := c.IMEI(); imei != "" {
		e.Str("imei", imei)
	}
}
