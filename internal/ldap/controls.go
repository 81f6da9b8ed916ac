package ldap

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// MaxControls is the largest number of server or client controls a single
// request may carry after merging.
const MaxControls = 10

// AttachServerControl adds a server control sent with every request on c.
func (c *Conn) AttachServerControl(ctrl ldap.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.serverCtrls) >= MaxControls {
		return fmt.Errorf("%w: connection already carries %d server controls", ErrTooManyControls, MaxControls)
	}
	c.serverCtrls = append(c.serverCtrls, ctrl)
	return nil
}

// AttachClientControl adds a client control used with every request on c.
func (c *Conn) AttachClientControl(ctrl ldap.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.clientCtrls) >= MaxControls {
		return fmt.Errorf("%w: connection already carries %d client controls", ErrTooManyControls, MaxControls)
	}
	c.clientCtrls = append(c.clientCtrls, ctrl)
	return nil
}

// ClearControls detaches every connection-scoped control.
func (c *Conn) ClearControls() {
	c.detachControls()
}

// detachControls clears the connection-scoped controls and returns them.
func (c *Conn) detachControls() (server, client []ldap.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, client = c.serverCtrls, c.clientCtrls
	c.serverCtrls, c.clientCtrls = nil, nil
	return server, client
}

// mergeControls returns connection controls followed by the caller's.
func (c *Conn) mergeControls(serverCtrls, clientCtrls []ldap.Control) (server, client []ldap.Control, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, err = mergeControlList("server", c.serverCtrls, serverCtrls)
	if err != nil {
		return nil, nil, err
	}

	client, err = mergeControlList("client", c.clientCtrls, clientCtrls)
	if err != nil {
		return nil, nil, err
	}

	return server, client, nil
}

func mergeControlList(kind string, attached, extra []ldap.Control) ([]ldap.Control, error) {
	n := len(attached) + len(extra)
	if n > MaxControls {
		return nil, fmt.Errorf("%w: %d %s controls exceeds limit of %d", ErrTooManyControls, n, kind, MaxControls)
	}
	if n == 0 {
		return nil, nil
	}

	merged := make([]ldap.Control, 0, n)
	merged = append(merged, attached...)
	merged = append(merged, extra...)
	return merged, nil
}
