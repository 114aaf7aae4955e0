package transport

import (
	"fmt"
	"net"
)

// Pipe returns the two ends of a loopback TCP connection. Unlike net.Pipe the
// ends are buffered by the kernel, so both sides may write before reading.
func Pipe() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- result{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	r := <-accepted
	if r.err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("accept: %w", r.err)
	}
	return client, r.conn, nil
}
