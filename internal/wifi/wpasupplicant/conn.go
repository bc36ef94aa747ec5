// Package wpasupplicant drives a station through the wpa_supplicant
// control interface (the same datagram protocol wpa_cli speaks). Steering
// pins the BSSID on the active network block, disconnects, waits a short
// settle delay, and reconnects.
package wpasupplicant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxReply bounds a single control interface datagram. SCAN_RESULTS on a
// busy band is the largest reply we ask for.
const maxReply = 64 * 1024

// defaultRequestTimeout bounds a request when ctx carries no deadline.
const defaultRequestTimeout = 5 * time.Second

var localSeq atomic.Int64

// conn is one control interface socket. Requests are serialized; a
// datagram socket interleaves replies otherwise.
type conn struct {
	mu    sync.Mutex
	uc    *net.UnixConn
	local string
}

// dial opens a datagram socket bound to a private local path and
// connected to the wpa_supplicant control socket at remote.
func dial(remote string) (*conn, error) {
	local := filepath.Join(os.TempDir(), fmt.Sprintf("smartroam-%d-%d", os.Getpid(), localSeq.Add(1)))
	_ = os.Remove(local)

	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: remote, Net: "unixgram"}
	uc, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	}
	return &conn{uc: uc, local: local}, nil
}

func (c *conn) close() error {
	err := c.uc.Close()
	_ = os.Remove(c.local)
	return err
}

// request sends cmd and returns the first reply that is not an
// unsolicited event.
func (c *conn) request(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	if err := c.uc.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}

	if _, err := c.uc.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("send %s: %w", commandName(cmd), err)
	}

	buf := make([]byte, maxReply)
	for {
		n, err := c.uc.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("read %s reply: %w", commandName(cmd), err)
		}
		reply := string(buf[:n])
		if isEvent(reply) {
			continue
		}
		return reply, nil
	}
}

// expectOK sends cmd and fails unless the reply is "OK".
func (c *conn) expectOK(ctx context.Context, cmd string) error {
	reply, err := c.request(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) != "OK" {
		return fmt.Errorf("%s: %s", commandName(cmd), strings.TrimSpace(reply))
	}
	return nil
}

// waitEvent reads unsolicited messages until one contains any of names.
func (c *conn) waitEvent(ctx context.Context, names ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	if err := c.uc.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}

	buf := make([]byte, maxReply)
	for {
		n, err := c.uc.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", fmt.Errorf("wait for %s: %w", strings.Join(names, "|"), context.DeadlineExceeded)
			}
			return "", fmt.Errorf("wait for %s: %w", strings.Join(names, "|"), err)
		}
		msg := string(buf[:n])
		for _, name := range names {
			if strings.Contains(msg, name) {
				return msg, nil
			}
		}
	}
}

// isEvent reports whether msg is an unsolicited "<level>EVENT" message.
func isEvent(msg string) bool {
	return len(msg) > 2 && msg[0] == '<' && strings.IndexByte(msg[:min(len(msg), 4)], '>') > 0
}

// commandName returns the first word of cmd for error messages, keeping
// arguments such as network ids or passphrases out of logs.
func commandName(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
