package ldap

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Bind authenticates c. An empty DN and password perform an anonymous bind;
// a SASL mechanism in req selects a SASL bind. Connection-scoped controls are
// only sent with SASL binds.
func (c *Conn) Bind(ctx context.Context, req BindRequest) (Status, error) {
	if c.engine == nil {
		return StatusError, ErrNoHandle
	}

	c.LogTimeouts(ctx, "bind")

	fields := c.fields(map[string]any{
		"dn":     displayDN(req.DN),
		"server": c.uri,
	})

	var msgid int
	var err error
	if req.SASL.Enabled() {
		serverCtrls, clientCtrls, mergeErr := c.mergeControls(req.ServerControls, req.ClientControls)
		if mergeErr != nil {
			c.setLastError(mergeErr.Error())
			return StatusError, mergeErr
		}

		fields["mech"] = string(req.SASL.Mech)
		if len(c.caps.SASLMechanisms) > 0 && !c.caps.SupportsSASL(req.SASL.Mech) {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "SASL mechanism not advertised by engine", fields)
		}
		msgid, err = c.engine.SASLBind(ctx, req.DN, req.Password, req.SASL, serverCtrls, clientCtrls)
	} else {
		msgid, err = c.engine.SimpleBind(ctx, req.DN, req.Password)
	}

	if err != nil {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Bind request failed", withFields(fields, map[string]any{"error": err.Error()}))
	} else {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Waiting for bind result...", withFields(fields, map[string]any{"msgid": msgid}))
	}

	_, d := c.result(ctx, "bind", msgid, ResultOne, req.DN, req.Timeout, false)
	c.metrics.observeOperation("bind", d.Status)

	switch d.Status {
	case StatusSuccess:
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Bind successful", fields)

	case StatusNotPermitted:
		tflog.SubsystemError(ctx, SubsystemLDAP,
			fmt.Sprintf("Bind as \"%s\" to \"%s\" not permitted", displayDN(req.DN), c.uri),
			withFields(fields, map[string]any{"error": d.Text()}))

	default:
		tflog.SubsystemError(ctx, SubsystemLDAP,
			fmt.Sprintf("Bind as \"%s\" to \"%s\" failed", displayDN(req.DN), c.uri),
			withFields(fields, map[string]any{"error": d.Text()}))
	}

	return d.Status, newResultError("bind", d)
}

// rebindAdmin restores the administrative identity after a referral rebind
// left c authenticated as someone else.
func (c *Conn) rebindAdmin(ctx context.Context) error {
	if !c.rebound.Load() {
		return nil
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Rebinding as administrative identity", c.fields(map[string]any{
		"dn": displayDN(c.config.Identity),
	}))

	status, err := c.Bind(ctx, BindRequest{
		DN:       c.config.Identity,
		Password: c.config.Password,
		SASL:     &c.config.SASL,
	})
	if status != StatusSuccess {
		if err == nil {
			err = fmt.Errorf("bind returned %s", status)
		}
		return fmt.Errorf("administrative rebind: %w", err)
	}

	c.rebound.Store(false)
	return nil
}

func displayDN(dn string) string {
	if dn == "" {
		return "(anonymous)"
	}
	return dn
}
