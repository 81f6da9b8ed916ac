package ldap

import (
	"context"
	"errors"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Result is a retained response owned by the caller. It must be released with
// Release; Destroy on the owning connection releases it too.
type Result struct {
	conn *Conn
	env  *Envelope
}

// Entries returns the search entries in delivery order.
func (r *Result) Entries() []*ldap.Entry {
	if r == nil {
		return nil
	}
	return r.env.Entries()
}

// Count returns the number of entries, or -1 once released.
func (r *Result) Count() int {
	if r == nil {
		return -1
	}
	return r.env.CountEntries()
}

// Controls returns the controls of the final result message.
func (r *Result) Controls() []ldap.Control {
	if r == nil {
		return nil
	}
	return r.env.Controls()
}

// Messages returns every retained message.
func (r *Result) Messages() []*Message {
	if r == nil || r.env.Released() {
		return nil
	}
	return r.env.Messages
}

// Release frees the result. It is safe to call more than once.
func (r *Result) Release() {
	if r == nil {
		return
	}
	r.release()
}

// Released reports whether the result has been freed.
func (r *Result) Released() bool {
	return r == nil || r.env.Released()
}

func (r *Result) release() {
	r.env.Release()
	if r.conn != nil {
		delete(r.conn.results, r)
		r.conn = nil
	}
}

// track hands env to the caller as a Result owned by c.
func (c *Conn) track(env *Envelope) *Result {
	r := &Result{conn: c, env: env}
	c.results[r] = struct{}{}
	return r
}

// Result retrieves and classifies the response to msgid. dn is the target of
// the original request and is only used to annotate NoSuchObject diagnostics.
// A zero timeout uses the configured result timeout. On success the response
// is returned to the caller; on any other status it is released.
func (c *Conn) Result(ctx context.Context, msgid int, mode ResultMode, dn string, timeout time.Duration) (*Result, Status, error) {
	if c.engine == nil {
		return nil, StatusError, ErrNoHandle
	}

	env, d := c.result(ctx, "result", msgid, mode, dn, timeout, true)
	if d.Status != StatusSuccess {
		return nil, d.Status, newResultError("result", d)
	}

	return c.track(env), StatusSuccess, nil
}

// result waits for msgid, classifies what arrived and records the diagnostic
// as the connection's last error. The envelope is only returned when keep is
// set and every message classified as success.
func (c *Conn) result(ctx context.Context, operation string, msgid int, mode ResultMode, dn string, timeout time.Duration, keep bool) (*Envelope, *Diagnostic) {
	// A failed send leaves nothing to wait for.
	if code := c.engine.ErrorNumber(); code != ldap.LDAPResultSuccess {
		return nil, c.record(classifyNoMessage(code))
	}

	if timeout == 0 {
		timeout = c.config.ResultTimeout
	}

	start := time.Now()
	env, err := c.engine.Result(ctx, msgid, mode, timeout)
	elapsed := time.Since(start)
	c.metrics.observeWait(operation, elapsed)
	LogPerformance(ctx, SubsystemLDAP, operation, elapsed, c.fields(map[string]any{"msgid": msgid}))

	switch {
	case errors.Is(err, ErrResultTimeout):
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Timed out waiting for result", c.fields(map[string]any{
			"operation": operation,
			"msgid":     msgid,
			"timeout":   timeout.String(),
		}))
		return nil, c.record(classifyTimeout())

	case err != nil:
		return nil, c.record(classifyNoMessage(c.engine.ErrorNumber()))

	case env == nil || len(env.Messages) == 0:
		env.Release()
		return nil, c.record(classifyNoMessage(ldap.LDAPResultSuccess))
	}

	var d *Diagnostic
	for _, msg := range env.Messages {
		d = classifyMessage(msg, dn)
		if d.Status != StatusSuccess {
			break
		}
	}
	c.record(d)

	if !keep || d.Status != StatusSuccess {
		env.Release()
		return nil, d
	}

	return env, d
}

func (c *Conn) record(d *Diagnostic) *Diagnostic {
	c.setLastError(d.Text())
	return d
}
