package iiod

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// twoChannelXML mimics an AD9361 in 2R2T mode: two complex channels per
// direction plus channels that cannot be buffered.
const twoChannelXML = `<?xml version="1.0" encoding="utf-8"?>
<context name="network" description="192.168.2.1 Linux pluto 4.14.0" version-major="0" version-minor="25">
  <device id="iio:device0" name="ad9361-phy">
    <channel id="voltage0" type="input"/>
    <channel id="altvoltage0" type="output"/>
  </device>
  <device id="iio:device2" name="cf-ad9361-dds-core-lpc">
    <channel id="voltage0" type="output"><scan-element index="0" format="le:S16/16&gt;&gt;0"/></channel>
    <channel id="voltage1" type="output"><scan-element index="1" format="le:S16/16&gt;&gt;0"/></channel>
    <channel id="voltage2" type="output"><scan-element index="2" format="le:S16/16&gt;&gt;0"/></channel>
    <channel id="voltage3" type="output"><scan-element index="3" format="le:S16/16&gt;&gt;0"/></channel>
    <channel id="altvoltage0" type="output"/>
  </device>
  <device id="iio:device3" name="cf-ad9361-lpc">
    <channel id="voltage2" type="input"><scan-element index="2" format="le:S12/16&gt;&gt;0"/></channel>
    <channel id="voltage0" type="input"><scan-element index="0" format="le:S12/16&gt;&gt;0"/></channel>
    <channel id="voltage1" type="input"><scan-element index="1" format="le:S12/16&gt;&gt;0"/></channel>
    <channel id="voltage3" type="input"><scan-element index="3" format="le:S12/16&gt;&gt;0"/></channel>
  </device>
</context>`

// mockIIOD is a scripted iiod server. READBUF replies carry wire samples
// whose I value counts up from 1 and whose Q value is the negated I value.
type mockIIOD struct {
	t   *testing.T
	ln  net.Listener
	xml string

	mu          sync.Mutex
	commands    []string
	written     map[string][]byte
	fail        map[string]int
	readChunk   int
	acceptLimit int
	counter     int16

	// timeout is the last TIMEOUT received; zero waits forever.
	timeout time.Duration
	// The next slowReads READBUF replies are held back by readDelay. When
	// the delay exceeds timeout the server answers -ETIMEDOUT instead,
	// unless ignoreTimeout is set.
	slowReads     int
	readDelay     time.Duration
	ignoreTimeout bool
	// stall pauses a READBUF reply after its first chunk header.
	stall time.Duration
	// short drops bytes from the end of every READBUF payload.
	short int
	// slowWrites WRITEBUF requests answer -ETIMEDOUT.
	slowWrites int
}

func startMockIIOD(t *testing.T, opts ...func(*mockIIOD)) *mockIIOD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &mockIIOD{
		t:       t,
		ln:      ln,
		xml:     twoChannelXML,
		written: make(map[string][]byte),
		fail:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go m.serve()
	return m
}

func (m *mockIIOD) Addr() string { return m.ln.Addr().String() }

func (m *mockIIOD) hostPort() (string, string) {
	host, port, _ := net.SplitHostPort(m.Addr())
	return host, port
}

// failNext makes the next command starting with op answer -errno.
func (m *mockIIOD) failNext(op string, errno int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = errno
}

func (m *mockIIOD) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *mockIIOD) Written(device string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written[device]...)
}

func (m *mockIIOD) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *mockIIOD) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		op := fields[0]

		m.mu.Lock()
		m.commands = append(m.commands, line)
		errno, failing := m.fail[op]
		delete(m.fail, op)
		m.mu.Unlock()

		if op == "WRITEBUF" && len(fields) == 3 {
			n, _ := strconv.Atoi(fields[2])
			data := make([]byte, n)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
			m.mu.Lock()
			timedOut := m.slowWrites > 0
			if timedOut {
				m.slowWrites--
			}
			m.mu.Unlock()
			if timedOut && !failing {
				fmt.Fprint(w, "-110\n")
				_ = w.Flush()
				continue
			}
			if !failing {
				m.mu.Lock()
				accepted := n
				if m.acceptLimit > 0 && accepted > m.acceptLimit {
					accepted = m.acceptLimit
				}
				m.written[fields[1]] = append(m.written[fields[1]], data[:accepted]...)
				m.mu.Unlock()
				fmt.Fprintf(w, "%d\n", accepted)
				_ = w.Flush()
				continue
			}
		}

		switch {
		case failing:
			fmt.Fprintf(w, "%d\n", -errno)
		case op == "PRINT":
			fmt.Fprintf(w, "%d\n%s\n", len(m.xml), m.xml)
		case op == "TIMEOUT" && len(fields) == 2:
			ms, _ := strconv.Atoi(fields[1])
			m.mu.Lock()
			m.timeout = time.Duration(ms) * time.Millisecond
			m.mu.Unlock()
			fmt.Fprint(w, "0\n")
		case op == "OPEN" || op == "CLOSE":
			fmt.Fprint(w, "0\n")
		case op == "READBUF" && len(fields) == 3:
			n, _ := strconv.Atoi(fields[2])
			if m.holdRead() {
				fmt.Fprint(w, "-110\n")
				break
			}
			m.writeChunks(w, n)
		default:
			fmt.Fprint(w, "-22\n")
		}
		_ = w.Flush()
	}
}

// holdRead applies readDelay to a slow READBUF and reports whether the
// server gave up with ETIMEDOUT.
func (m *mockIIOD) holdRead() bool {
	m.mu.Lock()
	if m.slowReads == 0 {
		m.mu.Unlock()
		return false
	}
	m.slowReads--
	delay, limit := m.readDelay, m.timeout
	giveUp := !m.ignoreTimeout && limit > 0 && delay > limit
	m.mu.Unlock()
	if giveUp {
		time.Sleep(limit)
		return true
	}
	time.Sleep(delay)
	return false
}

func (m *mockIIOD) writeChunks(w *bufio.Writer, n int) {
	m.mu.Lock()
	stall := m.stall
	size := max(n-n%wireSampleSize-m.short, 0)
	data := make([]byte, size)
	for off := 0; off+wireSampleSize <= len(data); off += wireSampleSize {
		m.counter++
		binary.LittleEndian.PutUint16(data[off:], uint16(m.counter))
		binary.LittleEndian.PutUint16(data[off+2:], uint16(-m.counter))
	}
	chunk := m.readChunk
	m.mu.Unlock()
	if chunk <= 0 {
		chunk = len(data)
	}
	for len(data) > 0 {
		c := min(chunk, len(data))
		fmt.Fprintf(w, "%d\n%08x\n", c, 0xf)
		if stall > 0 {
			_ = w.Flush()
			time.Sleep(stall)
			stall = 0
		}
		_, _ = w.Write(data[:c])
		data = data[c:]
	}
	if size < n {
		fmt.Fprint(w, "0\n")
	}
}
