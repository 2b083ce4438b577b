package p2p

import (
	"fmt"
	"net"
	"time"
)

// Client is one outbound connection to a peer. It is not safe for
// concurrent use; callers drive the conversation one exchange at a time.
type Client struct {
	conn       net.Conn
	peerPubkey string
}

// Dial connects to a peer, exchanges hellos, and returns the ready
// client. Both sides send their hello first, so the handshake cannot
// deadlock.
func Dial(addr, pubkey string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if err := send(conn, &Message{Type: TypeHello, Pubkey: pubkey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	reply, err := receive(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	if reply.Type != TypeHello {
		conn.Close()
		return nil, NewViolationError(fmt.Sprintf("expected hello as first message, got %q", reply.Type))
	}

	return &Client{conn: conn, peerPubkey: reply.Pubkey}, nil
}

// PeerPubkey returns the hex public key the peer announced in its hello.
func (c *Client) PeerPubkey() string {
	return c.peerPubkey
}

// Ping checks the peer is still responsive and reports the round trip.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	if err := send(c.conn, &Message{Type: TypePing}); err != nil {
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}
	reply, err := receive(c.conn)
	if err != nil {
		return 0, fmt.Errorf("failed to read pong: %w", err)
	}
	if reply.Type != TypePong {
		return 0, NewViolationError(fmt.Sprintf("expected pong, got %q", reply.Type))
	}
	return time.Since(start), nil
}

// RequestMemories asks the peer for its partitions. Filter is a
// fingerprint prefix; empty requests everything.
func (c *Client) RequestMemories(filter string) ([]Bundle, error) {
	if err := send(c.conn, &Message{Type: TypeMemoryRequest, Filter: filter}); err != nil {
		return nil, fmt.Errorf("failed to send memory request: %w", err)
	}
	reply, err := receive(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory response: %w", err)
	}
	if reply.Type != TypeMemoryResponse {
		return nil, NewViolationError(fmt.Sprintf("expected memory response, got %q", reply.Type))
	}
	return UnmarshalBundles(reply.Data)
}

// SendBundles pushes partition objects to the peer unprompted.
func (c *Client) SendBundles(bundles []Bundle) error {
	data, err := MarshalBundles(bundles)
	if err != nil {
		return err
	}
	if err := send(c.conn, &Message{Type: TypeBundle, Data: data}); err != nil {
		return fmt.Errorf("failed to send bundle: %w", err)
	}
	return nil
}

// Close says goodbye and drops the connection. The Bye is best effort;
// the close happens regardless.
func (c *Client) Close() error {
	send(c.conn, &Message{Type: TypeBye})
	return c.conn.Close()
}
