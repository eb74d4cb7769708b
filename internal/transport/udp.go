package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// MaxDatagramSize bounds gossip payloads; anything larger is dropped on
// the send side before it can fragment.
const MaxDatagramSize = 1024

type Datagram struct {
	From    string
	Payload []byte
}

// UDP is a connectionless datagram socket with an inbound pump. There is
// no ordering and no delivery guarantee; the gossip layer compensates
// through its next heartbeat.
type UDP struct {
	conn    *net.UDPConn
	inbound chan Datagram
}

func ListenUDP(ctx context.Context, bindAddr string, buffer int) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind addr %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	t := &UDP{
		conn:    conn,
		inbound: make(chan Datagram, buffer),
	}
	go t.readLoop(ctx)
	return t, nil
}

func (t *UDP) readLoop(ctx context.Context) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				close(t.inbound)
				return
			}
			log.Warn().Err(err).Msg("failed to read datagram")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.inbound <- Datagram{From: from.String(), Payload: payload}:
		case <-ctx.Done():
			close(t.inbound)
			return
		default:
			// receiver is behind; the next heartbeat repeats the state
			log.Warn().Msgf("inbound datagram buffer full, dropping message from %s", from)
		}
	}
}

// Send is fire-and-forget: failures are logged and swallowed.
func (t *UDP) Send(endpoint string, payload []byte) {
	if len(payload) > MaxDatagramSize {
		log.Warn().Msgf("dropping oversized datagram (%d bytes) to %s", len(payload), endpoint)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to resolve peer endpoint %s", endpoint)
		return
	}
	_, err = t.conn.WriteToUDP(payload, addr)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to send datagram to %s", endpoint)
	}
}

func (t *UDP) Inbound() <-chan Datagram {
	return t.inbound
}

func (t *UDP) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *UDP) Close() error {
	return t.conn.Close()
}
