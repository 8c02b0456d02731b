package network

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Datagram is one inbound UDP payload tagged with the connection it arrived
// on and its source endpoint.
type Datagram struct {
	ConnID int
	Peer   *net.UDPAddr
	Data   []byte
}

// Handler consumes inbound datagrams. It runs on the goroutine calling Poll,
// which in this simulator is always the scheduler goroutine.
type Handler func(Datagram)

// Capturer mirrors exchanged datagrams, e.g. into a pcap file.
type Capturer interface {
	Record(src, dst *net.UDPAddr, payload []byte)
}

// Transport owns the UDP sockets. Connection id 0 is the default outbound
// socket; additional listeners get consecutive nonzero ids. Reader
// goroutines feed a channel that only Poll drains, so all protocol
// processing stays on the scheduler goroutine.
type Transport struct {
	conns   map[int]*net.UDPConn
	rx      chan Datagram
	handler Handler
	capture Capturer
	nextID  int
}

// NewTransport binds the default socket (conn id 0) to localIP:port.
func NewTransport(localIP string, port int) (*Transport, error) {
	t := &Transport{
		conns: make(map[int]*net.UDPConn),
		rx:    make(chan Datagram, 4096),
	}
	if _, err := t.listen(0, localIP, port); err != nil {
		return nil, err
	}
	return t, nil
}

// AddListener opens an extra socket and returns its connection id.
func (t *Transport) AddListener(localIP string, port int) (int, error) {
	t.nextID++
	return t.listen(t.nextID, localIP, port)
}

func (t *Transport) listen(id int, localIP string, port int) (int, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(localIP), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to bind UDP to %s:%d: %w", localIP, port, err)
	}
	t.conns[id] = conn
	go t.read(id, conn)

	log.WithFields(log.Fields{
		"conn_id":    id,
		"local_addr": conn.LocalAddr(),
	}).Info("GTP-C socket listening")
	return id, nil
}

// SetHandler installs the inbound dispatch callback.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// SetCapture installs an optional traffic mirror.
func (t *Transport) SetCapture(c Capturer) { t.capture = c }

// Send transmits buf on the given connection to dst.
func (t *Transport) Send(connID int, dst *net.UDPAddr, buf []byte) error {
	conn, ok := t.conns[connID]
	if !ok {
		return fmt.Errorf("no such connection id %d", connID)
	}
	if _, err := conn.WriteToUDP(buf, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	if t.capture != nil {
		if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			t.capture.Record(la, dst, buf)
		}
	}
	return nil
}

// LocalAddr returns the address of the default socket.
func (t *Transport) LocalAddr() net.Addr { return t.conns[0].LocalAddr() }

// Poll blocks for at most waitMs draining inbound datagrams through the
// handler. With waitMs 0 it only drains the backlog.
func (t *Transport) Poll(waitMs int64) {
	if waitMs > 0 {
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		select {
		case dg := <-t.rx:
			t.deliver(dg)
		case <-timer.C:
			return
		}
		timer.Stop()
	}
	for {
		select {
		case dg := <-t.rx:
			t.deliver(dg)
		default:
			return
		}
	}
}

func (t *Transport) deliver(dg Datagram) {
	if t.capture != nil {
		if la, ok := t.conns[dg.ConnID].LocalAddr().(*net.UDPAddr); ok {
			t.capture.Record(dg.Peer, la, dg.Data)
		}
	}
	if t.handler != nil {
		t.handler(dg)
	}
}

func (t *Transport) read(id int, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.WithError(err).WithField("conn_id", id).Debug("UDP read ended")
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.rx <- Datagram{ConnID: id, Peer: addr, Data: data}:
		default:
			log.WithField("conn_id", id).Warn("Inbound queue full, dropping datagram")
		}
	}
}

// Close shuts every socket down; reader goroutines exit on the read error.
func (t *Transport) Close() {
	for _, conn := range t.conns {
		_ = conn.Close()
	}
}
