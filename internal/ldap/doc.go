/*
Package ldap manages the lifecycle of LDAP client connections.

It owns the connection handle from allocation to teardown, runs binds,
searches and modifies, and reduces every outcome to a small set of statuses
callers can act on.

# Architecture Overview

The package is organized into several core components:

  - Library: reference-counted process-wide setup and the engine version check
  - Conn: one session, its attached controls and its outstanding results
  - Engine: the protocol engine a Conn drives, backed by go-ldap
  - Classify: maps library and server result codes onto a Status
  - Pool: reuse of bound connections with health checks

# Statuses

Every operation returns a Status. StatusBadConnection means the connection
must be discarded; StatusReject and StatusNotPermitted mean the credentials
or authorization were refused; StatusBadDN means the target was not found.
Failing statuses come with a *ResultError carrying the diagnostic lines.

# Referrals

Referrals are chased by default. With rebind enabled the connection binds to
the referred server, either as the administrative identity or with the
bindname and x-bindpw extensions carried by the referral URL. The next
search or modify rebinds as the administrative identity first.

# Thread Safety

Library and Pool are safe for concurrent use. A Conn must be driven by one
caller at a time.

# Example Usage

	if err := ldap.Init(ctx); err != nil {
		return err
	}
	defer ldap.Shutdown(ctx)

	conn, err := ldap.Allocate(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Destroy(ctx)

	if status, err := conn.Bind(ctx, ldap.BindRequest{DN: cfg.Identity, Password: cfg.Password}); status != ldap.StatusSuccess {
		return err
	}

	result, status, err := conn.Search(ctx, &ldap.SearchRequest{
		BaseDN: "dc=example,dc=com",
		Scope:  ldap.ScopeSub,
		Filter: "(uid=" + goldap.EscapeFilter(user) + ")",
	})
	if status == ldap.StatusSuccess {
		defer result.Release()
	}
*/
package ldap
