package ldap

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Modify applies req.Changes to the entry at req.DN.
func (c *Conn) Modify(ctx context.Context, req ModifyRequest) (Status, error) {
	if c.engine == nil {
		return StatusError, ErrNoHandle
	}

	c.LogTimeouts(ctx, "modify")

	serverCtrls, clientCtrls, err := c.mergeControls(req.ServerControls, req.ClientControls)
	if err != nil {
		c.setLastError(err.Error())
		return StatusError, err
	}

	if err := c.rebindAdmin(ctx); err != nil {
		return StatusError, err
	}

	fields := c.fields(map[string]any{
		"dn":      req.DN,
		"changes": len(req.Changes),
	})
	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Modifying object with DN \""+req.DN+"\"", fields)

	msgid, err := c.engine.Modify(ctx, req.DN, req.Changes, serverCtrls, clientCtrls)
	if err == nil {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Waiting for modify result...", withFields(fields, map[string]any{"msgid": msgid}))
	}

	_, d := c.result(ctx, "modify", msgid, ResultOne, req.DN, 0, false)
	c.metrics.observeOperation("modify", d.Status)

	switch d.Status {
	case StatusSuccess, StatusBadConnection:
	default:
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed modifying object", withFields(fields, map[string]any{
			"status": d.Status.String(),
			"error":  d.Text(),
		}))
	}

	return d.Status, newResultError("modify", d)
}
