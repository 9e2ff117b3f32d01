package coapnode

import (
	"net"
)

// dialer is the datagram transport the endpoint runs over. Both roles use
// the same interface: a server listens, a client dials one peer.
type dialer interface {
	Close() error
	Listen(buff []byte) (int, net.Addr, error)
	WriteTo(buf []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type connection struct {
	conn *net.UDPConn
}

func (c *connection) Close() error {
	return c.conn.Close()
}

func (c *connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *connection) Listen(buff []byte) (int, net.Addr, error) {
	return c.conn.ReadFromUDP(buff)
}

func (c *connection) WriteTo(buf []byte, addr net.Addr) (int, error) {
	if c.conn.RemoteAddr() != nil {
		// connected socket: destination is fixed at dial time
		return c.conn.Write(buf)
	}
	return c.conn.WriteTo(buf, addr)
}

func newListener(addr string) (dialer, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", a)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

func newDialer(addr string) (dialer, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, a)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
