package ldap

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Search performs a search and waits for every result message. A search
// matching no entries returns StatusNoResult without a result. With
// req.DiscardResult set the result is released before returning.
func (c *Conn) Search(ctx context.Context, req *SearchRequest) (*Result, Status, error) {
	if c.engine == nil {
		return nil, StatusError, ErrNoHandle
	}

	c.LogTimeouts(ctx, "search")

	msgid, status, err := c.sendSearch(ctx, req)
	if err != nil {
		return nil, status, err
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Waiting for search result...", c.fields(map[string]any{"msgid": msgid}))

	env, d := c.result(ctx, "search", msgid, ResultAll, req.BaseDN, 0, true)
	if d.Status != StatusSuccess {
		c.metrics.observeOperation("search", d.Status)
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed performing search", c.fields(map[string]any{
			"base_dn": req.BaseDN,
			"status":  d.Status.String(),
			"error":   d.Text(),
		}))
		return nil, d.Status, newResultError("search", d)
	}

	count := env.CountEntries()
	switch {
	case count < 0:
		env.Release()
		text := fmt.Sprintf("Error counting results: %s", c.ErrorString())
		c.setLastError(text)
		c.metrics.observeOperation("search", StatusError)
		tflog.SubsystemError(ctx, SubsystemLDAP, text, c.fields(nil))
		return nil, StatusError, fmt.Errorf("search: %s", text)

	case count == 0:
		env.Release()
		c.setLastError("Search returned no results")
		c.metrics.observeOperation("search", StatusNoResult)
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Search returned no results", c.fields(map[string]any{"base_dn": req.BaseDN}))
		return nil, StatusNoResult, nil
	}

	c.metrics.observeOperation("search", StatusSuccess)

	if req.DiscardResult {
		env.Release()
		return nil, StatusSuccess, nil
	}

	return c.track(env), StatusSuccess, nil
}

// SearchAsync sends a search and returns its message id without waiting. The
// response is collected with Result.
func (c *Conn) SearchAsync(ctx context.Context, req *SearchRequest) (int, Status, error) {
	if c.engine == nil {
		return 0, StatusError, ErrNoHandle
	}

	c.LogTimeouts(ctx, "search")

	return c.sendSearch(ctx, req)
}

// sendSearch applies the shared search preconditions and sends req.
func (c *Conn) sendSearch(ctx context.Context, req *SearchRequest) (int, Status, error) {
	serverCtrls, clientCtrls, err := c.mergeControls(req.ServerControls, req.ClientControls)
	if err != nil {
		c.setLastError(err.Error())
		return 0, StatusError, err
	}

	if err := c.rebindAdmin(ctx); err != nil {
		return 0, StatusError, err
	}

	fields := c.fields(map[string]any{
		"base_dn": req.BaseDN,
		"scope":   req.Scope.String(),
	})
	if req.Filter != "" {
		tflog.SubsystemDebug(ctx, SubsystemLDAP,
			fmt.Sprintf("Performing search in \"%s\" with filter \"%s\", scope \"%s\"", req.BaseDN, req.Filter, req.Scope),
			fields)
	} else {
		tflog.SubsystemDebug(ctx, SubsystemLDAP,
			fmt.Sprintf("Performing unfiltered search in \"%s\", scope \"%s\"", req.BaseDN, req.Scope),
			fields)
	}

	if len(req.Attributes) > 0 {
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Requesting attributes", withFields(fields, map[string]any{
			"attributes": req.Attributes,
		}))
	}

	msgid, err := c.engine.Search(ctx, req, serverCtrls, clientCtrls)
	if err != nil {
		code := c.engine.ErrorNumber()
		if code == ldap.LDAPResultSuccess {
			code = ldap.LDAPResultLocalError
		}
		text := fmt.Sprintf("Failed performing search: %s", codeText(code))
		c.setLastError(text)
		c.metrics.observeOperation("search", StatusError)
		tflog.SubsystemError(ctx, SubsystemLDAP, text, withFields(fields, map[string]any{"error": err.Error()}))
		return 0, StatusError, fmt.Errorf("send search: %w", err)
	}

	return msgid, StatusSuccess, nil
}
