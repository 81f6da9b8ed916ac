package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// The engine version this package is built and tested against.
const (
	goLDAPVendor  = "github.com/go-ldap/ldap/v3"
	goLDAPVersion = "v3.4.12"
)

const defaultSearchFilter = "(objectClass=*)"

var errEngineUnbound = errors.New("engine has been unbound")

// goLDAPEngine implements Engine on top of go-ldap. go-ldap calls block, so
// every request runs in its own goroutine and queues its messages until
// Result collects them.
type goLDAPEngine struct {
	uri    string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *ldap.Conn
	host      string
	referrals map[*ldap.Conn]struct{} // Referral connections being followed
	rebinder  Rebinder
	opts      engineOptions
	tlsConfig *tls.Config
	errno     uint16 // Send and transport failures only
	nextID    int
	ops       map[int]*pendingOp
	notify    chan struct{} // Closed and replaced whenever a message arrives
	closed    bool
}

type engineOptions struct {
	deref      int
	chase      bool
	hopLimit   int
	netTimeout time.Duration
	timeLimit  time.Duration
	keepalive  net.KeepAliveConfig
	tls        tlsSettings
	startTLS   bool
	debug      int
}

type pendingOp struct {
	messages []*Message
	done     bool
	err      error // Transport failure
}

func (op *pendingOp) ready(mode ResultMode) bool {
	if op.err != nil {
		return true
	}
	if mode == ResultAll {
		return op.done
	}
	return len(op.messages) > 0
}

// sendTarget is what a request goroutine runs against.
type sendTarget struct {
	conn      *ldap.Conn
	host      string
	opts      engineOptions
	tlsConfig *tls.Config
}

type referralTargetKey struct{}

// referralTarget is carried by the ctx handed to a Rebinder.
type referralTarget struct {
	engine *goLDAPEngine
	conn   *ldap.Conn
	host   string
}

// NewGoLDAPEngine creates an Engine backed by go-ldap. The server is dialed
// on the first request; ctx supplies loggers for work done in the background.
func NewGoLDAPEngine(ctx context.Context, uri string) (Engine, error) {
	var host string
	if uri != "" {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid server URI: %w", err)
		}
		host = u.Hostname()
	}

	engineCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &goLDAPEngine{
		uri:    uri,
		host:   host,
		ctx:    engineCtx,
		cancel: cancel,
		opts: engineOptions{
			deref:    ldap.NeverDerefAliases,
			chase:    true,
			hopLimit: 5,
		},
		referrals: make(map[*ldap.Conn]struct{}),
		ops:       make(map[int]*pendingOp),
		notify:    make(chan struct{}),
	}, nil
}

// Capabilities reports the go-ldap feature set.
func (e *goLDAPEngine) Capabilities() Capabilities {
	return Capabilities{
		Vendor:          goLDAPVendor,
		Version:         goLDAPVersion,
		SASLMechanisms:  []SASLMech{SASLExternal, SASLDigestMD5, SASLGSSAPI},
		Keepalive:       true,
		NetworkTimeout:  true,
		StartTLS:        true,
		ReferralChasing: true,
	}
}

func (e *goLDAPEngine) SetOption(opt Option, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	switch opt {
	case OptDereference:
		e.opts.deref, err = optionValue[int](opt, value)
	case OptReferrals:
		e.opts.chase, err = optionValue[bool](opt, value)
	case OptReferralHopLimit:
		e.opts.hopLimit, err = optionValue[int](opt, value)
	case OptNetworkTimeout:
		e.opts.netTimeout, err = optionValue[time.Duration](opt, value)
	case OptServerTimeLimit:
		e.opts.timeLimit, err = optionValue[time.Duration](opt, value)
	case OptProtocolVersion:
		var version int
		if version, err = optionValue[int](opt, value); err == nil && version != ProtocolVersion {
			err = fmt.Errorf("protocol version %d not supported", version)
		}
	case OptKeepaliveIdle:
		e.opts.keepalive.Enable = true
		e.opts.keepalive.Idle, err = optionValue[time.Duration](opt, value)
	case OptKeepaliveProbes:
		e.opts.keepalive.Enable = true
		e.opts.keepalive.Count, err = optionValue[int](opt, value)
	case OptKeepaliveInterval:
		e.opts.keepalive.Enable = true
		e.opts.keepalive.Interval, err = optionValue[time.Duration](opt, value)
	case OptTLSMode:
		e.opts.tls.mode, err = optionValue[TLSMode](opt, value)
	case OptTLSCACertFile:
		e.opts.tls.caFile, err = optionValue[string](opt, value)
	case OptTLSCACertDir:
		e.opts.tls.caPath, err = optionValue[string](opt, value)
	case OptTLSCertFile:
		e.opts.tls.certFile, err = optionValue[string](opt, value)
	case OptTLSKeyFile:
		e.opts.tls.keyFile, err = optionValue[string](opt, value)
	case OptTLSRequireCert:
		e.opts.tls.requireCert, err = optionValue[RequireCert](opt, value)
	case OptTLSNewContext:
		e.tlsConfig, err = buildTLSConfig(e.opts.tls)
	case OptStartTLS:
		e.opts.startTLS, err = optionValue[bool](opt, value)
	case OptDebugLevel:
		if e.opts.debug, err = optionValue[int](opt, value); err == nil && e.conn != nil {
			e.conn.Debug.Enable(e.opts.debug > 0)
		}
	default:
		err = fmt.Errorf("unknown option %d", int(opt))
	}

	if err != nil {
		e.errno = ldap.LDAPResultLocalError
	}
	return err
}

func optionValue[T any](opt Option, value any) (T, error) {
	v, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("invalid value type %T for option %s", value, opt)
	}
	return v, nil
}

func (e *goLDAPEngine) SetRebinder(r Rebinder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebinder = r
}

func (e *goLDAPEngine) ErrorNumber() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errno
}

func (e *goLDAPEngine) SimpleBind(ctx context.Context, dn, password string) (int, error) {
	return e.send(ctx, func(_ context.Context, t sendTarget, id int) {
		res, err := t.conn.SimpleBind(&ldap.SimpleBindRequest{
			Username:           dn,
			Password:           password,
			AllowEmptyPassword: true,
		})

		var controls []ldap.Control
		if res != nil {
			controls = res.Controls
		}
		msg, err := resultMessage(MessageBindResult, controls, err)
		e.finish(id, msg, err)
	})
}

// SASLBind performs a SASL bind. EXTERNAL binds carry no controls; go-ldap
// does not support them for that mechanism.
func (e *goLDAPEngine) SASLBind(ctx context.Context, dn, password string, sasl *SASLConfig, serverCtrls, _ []ldap.Control) (int, error) {
	return e.send(ctx, func(ctx context.Context, t sendTarget, id int) {
		var controls []ldap.Control
		var err error

		switch sasl.Mech {
		case SASLExternal:
			err = t.conn.ExternalBind()

		case SASLDigestMD5:
			var res *ldap.DigestMD5BindResult
			res, err = t.conn.DigestMD5Bind(&ldap.DigestMD5BindRequest{
				Host:     t.host,
				Username: dn,
				Password: password,
				Controls: serverCtrls,
			})
			if res != nil {
				controls = res.Controls
			}

		case SASLGSSAPI:
			err = gssapiBind(ctx, t, sasl, dn, password, serverCtrls)

		default:
			err = ldap.NewError(ldap.LDAPResultAuthMethodNotSupported,
				fmt.Errorf("SASL mechanism %q not supported", sasl.Mech))
		}

		msg, err := resultMessage(MessageBindResult, controls, err)
		e.finish(id, msg, err)
	})
}

func gssapiBind(ctx context.Context, t sendTarget, sasl *SASLConfig, dn, password string, serverCtrls []ldap.Control) error {
	client, err := newGSSAPIClient(ctx, sasl, dn, password)
	if err != nil {
		LogKerberosEvent(ctx, "client_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("create GSSAPI client: %w", err)
	}
	defer client.Close()

	spn, err := servicePrincipal(sasl, t.host)
	if err != nil {
		return err
	}

	return t.conn.GSSAPIBindRequest(client, &ldap.GSSAPIBindRequest{
		ServicePrincipalName: spn,
		AuthZID:              sasl.Proxy,
		Controls:             serverCtrls,
	})
}

// Search sends a search. The filter is compiled before anything is sent so a
// malformed filter fails the send.
func (e *goLDAPEngine) Search(ctx context.Context, req *SearchRequest, serverCtrls, _ []ldap.Control) (int, error) {
	filter := req.Filter
	if filter == "" {
		filter = defaultSearchFilter
	}

	if _, err := ldap.CompileFilter(filter); err != nil {
		e.mu.Lock()
		e.errno = ldap.LDAPResultFilterError
		e.mu.Unlock()
		return -1, fmt.Errorf("compile filter: %w", err)
	}

	return e.send(ctx, func(ctx context.Context, t sendTarget, id int) {
		search := func(conn *ldap.Conn, baseDN string) (*Message, error) {
			return e.searchOnce(ctx, conn, id, ldap.NewSearchRequest(
				baseDN, int(req.Scope), t.opts.deref, 0, int(t.opts.timeLimit/time.Second),
				false, filter, req.Attributes, serverCtrls,
			))
		}

		msg, err := search(t.conn, req.BaseDN)
		if err == nil && t.opts.chase {
			msg, err = e.followReferral(ctx, t, msg, func(conn *ldap.Conn, ref *ReferralURL) (*Message, error) {
				baseDN := req.BaseDN
				if ref.DN != "" {
					baseDN = ref.DN
				}
				return search(conn, baseDN)
			})
		}
		e.finish(id, msg, err)
	})
}

// searchOnce runs one search on conn, queueing entries, references and
// intermediate responses as they arrive, and returns the final result.
func (e *goLDAPEngine) searchOnce(ctx context.Context, conn *ldap.Conn, id int, req *ldap.SearchRequest) (*Message, error) {
	resp := conn.SearchAsync(ctx, req, 0)

	// A controls-only response is either an intermediate response or the
	// controls of the final result; which one is only known once the
	// stream ends.
	var held []ldap.Control
	heldSet := false

	for resp.Next() {
		if heldSet {
			e.deliver(id, &Message{Type: MessageIntermediate, Controls: held})
			held, heldSet = nil, false
		}

		switch {
		case resp.Entry() != nil:
			e.deliver(id, &Message{Type: MessageSearchEntry, Entry: resp.Entry(), Controls: resp.Controls()})
		case resp.Referral() != "":
			e.deliver(id, &Message{Type: MessageSearchReference, Referrals: []string{resp.Referral()}})
		default:
			held, heldSet = resp.Controls(), true
		}
	}

	if err := resp.Err(); err != nil {
		return resultMessage(MessageSearchResult, nil, err)
	}

	if ctx.Err() != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, ctx.Err())
	}

	return &Message{Type: MessageSearchResult, Controls: held}, nil
}

func (e *goLDAPEngine) Modify(ctx context.Context, dn string, changes []ldap.Change, serverCtrls, _ []ldap.Control) (int, error) {
	return e.send(ctx, func(ctx context.Context, t sendTarget, id int) {
		msg, err := modifyOnce(t.conn, dn, changes, serverCtrls)
		if err == nil && t.opts.chase {
			msg, err = e.followReferral(ctx, t, msg, func(conn *ldap.Conn, ref *ReferralURL) (*Message, error) {
				target := dn
				if ref.DN != "" {
					target = ref.DN
				}
				return modifyOnce(conn, target, changes, serverCtrls)
			})
		}
		e.finish(id, msg, err)
	})
}

func modifyOnce(conn *ldap.Conn, dn string, changes []ldap.Change, serverCtrls []ldap.Control) (*Message, error) {
	req := ldap.NewModifyRequest(dn, serverCtrls)
	req.Changes = changes

	res, err := conn.ModifyWithResult(req)

	var controls []ldap.Control
	if res != nil {
		controls = res.Controls
	}

	msg, err := resultMessage(MessageModifyResult, controls, err)
	if msg != nil && res != nil && res.Referral != "" && len(msg.Referrals) == 0 {
		msg.Referrals = []string{res.Referral}
	}
	return msg, err
}

// followReferral reissues a request against the servers named by msg until
// one of them answers with something other than a referral.
func (e *goLDAPEngine) followReferral(ctx context.Context, t sendTarget, msg *Message, reissue func(*ldap.Conn, *ReferralURL) (*Message, error)) (*Message, error) {
	for hops := 0; msg.ResultCode == ldap.LDAPResultReferral && len(msg.Referrals) > 0; hops++ {
		if hops >= t.opts.hopLimit {
			return &Message{
				Type:              msg.Type,
				ResultCode:        ldap.LDAPResultReferralLimitExceeded,
				DiagnosticMessage: "referral hop limit exceeded",
			}, nil
		}

		next, followed := e.followOne(ctx, t, msg, reissue)
		if !followed {
			return msg, nil
		}
		msg = next
	}

	return msg, nil
}

// followOne follows the first reachable referral in msg. It reports false
// when none of them could be dialed.
func (e *goLDAPEngine) followOne(ctx context.Context, t sendTarget, msg *Message, reissue func(*ldap.Conn, *ReferralURL) (*Message, error)) (*Message, bool) {
	for _, rawURL := range msg.Referrals {
		fields := map[string]any{"url": rawURL}

		ref, err := ParseReferralURL(rawURL)
		if err != nil {
			tflog.SubsystemDebug(ctx, SubsystemReferral, "Skipping unparseable referral", withFields(fields, map[string]any{"error": err.Error()}))
			continue
		}

		conn, host, err := dial(ref.Scheme+"://"+ref.Host, t.opts, t.tlsConfig)
		if err != nil {
			tflog.SubsystemDebug(ctx, SubsystemReferral, "Failed connecting to referral", withFields(fields, map[string]any{"error": err.Error()}))
			continue
		}

		e.mu.Lock()
		e.referrals[conn] = struct{}{}
		e.mu.Unlock()

		tflog.SubsystemDebug(ctx, SubsystemReferral, "Following referral", fields)
		next := e.reissueOn(ctx, conn, host, rawURL, ref, msg.Type, reissue)

		e.mu.Lock()
		delete(e.referrals, conn)
		e.mu.Unlock()
		_ = conn.Close()
		return next, true
	}

	return nil, false
}

func (e *goLDAPEngine) reissueOn(ctx context.Context, conn *ldap.Conn, host, rawURL string, ref *ReferralURL, typ MessageType, reissue func(*ldap.Conn, *ReferralURL) (*Message, error)) *Message {
	e.mu.Lock()
	rebinder := e.rebinder
	e.mu.Unlock()

	code := uint16(ldap.LDAPResultSuccess)
	if rebinder != nil {
		rebindCtx := context.WithValue(ctx, referralTargetKey{}, referralTarget{engine: e, conn: conn, host: host})
		code = rebinder.Rebind(rebindCtx, rawURL)
	}

	if code != ldap.LDAPResultSuccess {
		return &Message{Type: typ, ResultCode: code, DiagnosticMessage: "referral rebind failed"}
	}

	msg, err := reissue(conn, ref)
	if err != nil {
		// The referral server failing says nothing about the original connection.
		return &Message{Type: typ, ResultCode: ldap.LDAPResultOther, DiagnosticMessage: "referral chasing failed: " + err.Error()}
	}
	return msg
}

// resultMessage converts the outcome of a go-ldap call into a result message.
// Transport failures are returned as an error instead.
func resultMessage(typ MessageType, controls []ldap.Control, err error) (*Message, error) {
	msg := &Message{Type: typ, Controls: controls}
	if err == nil {
		return msg, nil
	}

	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		msg.ParseError = ldap.LDAPResultLocalError
		msg.DiagnosticMessage = err.Error()
		return msg, nil
	}

	switch {
	case ldapErr.ResultCode == ldap.ErrorNetwork:
		return nil, err

	case ldapErr.ResultCode > ldap.ErrorNetwork:
		// Client-side failure
		msg.ParseError = ldap.LDAPResultLocalError
		msg.DiagnosticMessage = errText(ldapErr.Err)

	default:
		msg.ResultCode = ldapErr.ResultCode
		msg.MatchedDN = ldapErr.MatchedDN
		msg.DiagnosticMessage = errText(ldapErr.Err)
		msg.Referrals = referralsFromError(ldapErr)
	}

	return msg, nil
}

// referralsFromError extracts the referral URLs of an LDAPResult packet.
func referralsFromError(e *ldap.Error) []string {
	if e.ResultCode != ldap.LDAPResultReferral || e.Packet == nil || len(e.Packet.Children) < 2 {
		return nil
	}

	var urls []string
	for _, child := range e.Packet.Children[1].Children {
		if child.Tag != 3 { // [3] Referral
			continue
		}
		for _, uri := range child.Children {
			if s, ok := uri.Value.(string); ok {
				urls = append(urls, s)
			}
		}
	}
	return urls
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// send registers a request and starts run in its own goroutine. The
// connection is established here so that connect failures fail the send.
func (e *goLDAPEngine) send(ctx context.Context, run func(ctx context.Context, t sendTarget, id int)) (int, error) {
	e.mu.Lock()
	e.errno = ldap.LDAPResultSuccess

	t, err := e.targetLocked(ctx)
	if err != nil {
		e.errno = ldap.LDAPResultServerDown
		e.mu.Unlock()
		return -1, err
	}

	e.nextID++
	id := e.nextID
	e.ops[id] = &pendingOp{}
	engineCtx := e.ctx
	e.mu.Unlock()

	go run(engineCtx, t, id)
	return id, nil
}

// targetLocked returns the connection a request sent with ctx goes to,
// dialing the server on first use. Only sends made from a rebind reach the
// referral server.
func (e *goLDAPEngine) targetLocked(ctx context.Context) (sendTarget, error) {
	t := sendTarget{opts: e.opts, tlsConfig: e.tlsConfig}

	ref, referred := ctx.Value(referralTargetKey{}).(referralTarget)
	referred = referred && ref.engine == e && ref.conn != nil

	switch {
	case e.closed:
		return t, errEngineUnbound
	case referred:
		t.conn, t.host = ref.conn, ref.host
		return t, nil
	case e.conn != nil:
		t.conn, t.host = e.conn, e.host
		return t, nil
	case e.uri == "":
		return t, errors.New("engine has no server URI")
	}

	conn, host, err := dial(e.uri, e.opts, e.tlsConfig)
	if err != nil {
		return t, fmt.Errorf("connect to %s: %w", e.uri, err)
	}

	e.conn, e.host = conn, host
	t.conn, t.host = conn, host
	return t, nil
}

// dial connects to the scheme and host of rawURL.
func dial(rawURL string, opts engineOptions, tlsConfig *tls.Config) (*ldap.Conn, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}

	host := u.Hostname()
	if opts.tls.mode == TLSModeHard && u.Scheme == "ldap" {
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, ldap.DefaultLdapPort)
		}
		u.Scheme = "ldaps"
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	}
	cfg.ServerName = host

	dialOpts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{
			Timeout:         opts.netTimeout,
			KeepAliveConfig: opts.keepalive,
		}),
	}
	if u.Scheme == "ldaps" {
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(cfg))
	}

	conn, err := ldap.DialURL(u.Scheme+"://"+u.Host, dialOpts...)
	if err != nil {
		return nil, host, err
	}

	if opts.startTLS && u.Scheme == "ldap" {
		if err := conn.StartTLS(cfg); err != nil {
			_ = conn.Close()
			return nil, host, fmt.Errorf("start TLS: %w", err)
		}
	}

	conn.Debug.Enable(opts.debug > 0)
	return conn, host, nil
}

func (e *goLDAPEngine) deliver(id int, msgs ...*Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[id]
	if !ok {
		return
	}

	for _, msg := range msgs {
		msg.ID = id
		op.messages = append(op.messages, msg)
		if msg.IsResult() {
			op.done = true
		}
	}
	e.broadcastLocked()
}

func (e *goLDAPEngine) finish(id int, msg *Message, err error) {
	if err == nil {
		e.deliver(id, msg)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if op, ok := e.ops[id]; ok {
		op.err = err
		op.done = true
		e.broadcastLocked()
	}
}

func (e *goLDAPEngine) broadcastLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *goLDAPEngine) Result(ctx context.Context, msgid int, mode ResultMode, timeout time.Duration) (*Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		e.mu.Lock()
		env, ready, err := e.collectLocked(msgid, mode)
		wait := e.notify
		e.mu.Unlock()

		if ready {
			return env, err
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ErrResultTimeout
		}
	}
}

// collectLocked takes the messages mode asks for from the request msgid. It
// reports false when they have not arrived yet.
func (e *goLDAPEngine) collectLocked(msgid int, mode ResultMode) (*Envelope, bool, error) {
	if e.closed {
		e.errno = ldap.LDAPResultServerDown
		return nil, true, errEngineUnbound
	}

	id := msgid
	if msgid == AnyMessageID {
		id = -1
		for candidate, op := range e.ops {
			if op.ready(mode) && (id == -1 || candidate < id) {
				id = candidate
			}
		}
	}

	op, ok := e.ops[id]
	if !ok || !op.ready(mode) {
		return nil, false, nil
	}

	if op.err != nil && (len(op.messages) == 0 || mode == ResultAll) {
		delete(e.ops, id)
		e.errno = ldap.LDAPResultServerDown
		return nil, true, op.err
	}

	var msgs []*Message
	if mode == ResultOne {
		msgs, op.messages = op.messages[:1], op.messages[1:]
	} else {
		msgs, op.messages = op.messages, nil
	}

	if op.done && op.err == nil && len(op.messages) == 0 {
		delete(e.ops, id)
	}

	return &Envelope{Messages: msgs}, true, nil
}

// Unbind sends an unbind and closes every connection. go-ldap has no way to
// attach controls to an unbind, so they are ignored.
func (e *goLDAPEngine) Unbind(_, _ []ldap.Control) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	e.closed = true
	conn, referrals := e.conn, e.referrals
	e.conn, e.referrals = nil, make(map[*ldap.Conn]struct{})
	e.ops = make(map[int]*pendingOp)
	e.broadcastLocked()
	e.mu.Unlock()

	e.cancel()

	var result *multierror.Error
	for ref := range referrals {
		if err := ref.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close referral connection: %w", err))
		}
	}

	if conn != nil {
		if err := conn.Unbind(); err != nil && !errors.Is(err, ldap.ErrConnUnbound) {
			_ = conn.Close()
			result = multierror.Append(result, fmt.Errorf("unbind: %w", err))
		}
	}

	return result.ErrorOrNil()
}
