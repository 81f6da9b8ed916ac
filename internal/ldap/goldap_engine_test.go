package ldap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestGoLDAPEngine(t *testing.T, uri string) *goLDAPEngine {
	t.Helper()

	engine, err := NewGoLDAPEngine(context.Background(), uri)
	require.NoError(t, err)

	e := engine.(*goLDAPEngine)
	t.Cleanup(func() {
		_ = e.Unbind(nil, nil)
	})
	return e
}

// pending registers a request without sending anything.
func pending(e *goLDAPEngine) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.ops[e.nextID] = &pendingOp{}
	return e.nextID
}

func TestNewGoLDAPEngine(t *testing.T) {
	e := newTestGoLDAPEngine(t, "ldaps://ldap.example.com:636")

	assert.Equal(t, "ldap.example.com", e.host)
	assert.True(t, e.opts.chase)
	assert.Equal(t, 5, e.opts.hopLimit)
	assert.Equal(t, ldap.NeverDerefAliases, e.opts.deref)

	caps := e.Capabilities()
	assert.Equal(t, goLDAPVendor, caps.Vendor)
	assert.True(t, caps.SupportsSASL(SASLGSSAPI))
	assert.True(t, caps.StartTLS)

	_, err := NewGoLDAPEngine(context.Background(), "ldap://[::1")
	assert.Error(t, err)
}

func TestGoLDAPEngine_SetOption(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		value   any
		wantErr string
		check   func(*testing.T, *goLDAPEngine)
	}{
		{
			name:  "dereference",
			opt:   OptDereference,
			value: ldap.DerefAlways,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, ldap.DerefAlways, e.opts.deref) },
		},
		{
			name:  "referrals",
			opt:   OptReferrals,
			value: false,
			check: func(t *testing.T, e *goLDAPEngine) { assert.False(t, e.opts.chase) },
		},
		{
			name:  "hop limit",
			opt:   OptReferralHopLimit,
			value: 7,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, 7, e.opts.hopLimit) },
		},
		{
			name:  "network timeout",
			opt:   OptNetworkTimeout,
			value: 3 * time.Second,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, 3*time.Second, e.opts.netTimeout) },
		},
		{
			name:  "server time limit",
			opt:   OptServerTimeLimit,
			value: 20 * time.Second,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, 20*time.Second, e.opts.timeLimit) },
		},
		{
			name:  "protocol version",
			opt:   OptProtocolVersion,
			value: ProtocolVersion,
		},
		{
			name:    "unsupported protocol version",
			opt:     OptProtocolVersion,
			value:   2,
			wantErr: "protocol version 2 not supported",
		},
		{
			name:  "keepalive probes",
			opt:   OptKeepaliveProbes,
			value: 3,
			check: func(t *testing.T, e *goLDAPEngine) {
				assert.True(t, e.opts.keepalive.Enable)
				assert.Equal(t, 3, e.opts.keepalive.Count)
			},
		},
		{
			name:  "keepalive idle",
			opt:   OptKeepaliveIdle,
			value: time.Minute,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, time.Minute, e.opts.keepalive.Idle) },
		},
		{
			name:  "start tls",
			opt:   OptStartTLS,
			value: true,
			check: func(t *testing.T, e *goLDAPEngine) { assert.True(t, e.opts.startTLS) },
		},
		{
			name:  "debug level before connecting",
			opt:   OptDebugLevel,
			value: 1,
			check: func(t *testing.T, e *goLDAPEngine) { assert.Equal(t, 1, e.opts.debug) },
		},
		{
			name:    "wrong value type",
			opt:     OptReferralHopLimit,
			value:   "5",
			wantErr: "invalid value type string for option referral_hop_limit",
		},
		{
			name:    "unknown option",
			opt:     Option(99),
			value:   1,
			wantErr: "unknown option 99",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")

			err := e.SetOption(tt.opt, tt.value)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, uint16(ldap.LDAPResultLocalError), e.ErrorNumber())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, uint16(ldap.LDAPResultSuccess), e.ErrorNumber())
			if tt.check != nil {
				tt.check(t, e)
			}
		})
	}
}

func TestGoLDAPEngine_TLSContext(t *testing.T) {
	e := newTestGoLDAPEngine(t, "ldaps://ldap.example.com")

	require.NoError(t, e.SetOption(OptTLSRequireCert, RequireCertNever))
	assert.Nil(t, e.tlsConfig, "TLS settings apply only on a new context")

	require.NoError(t, e.SetOption(OptTLSNewContext, 0))
	require.NotNil(t, e.tlsConfig)
	assert.True(t, e.tlsConfig.InsecureSkipVerify)

	require.NoError(t, e.SetOption(OptTLSCertFile, "/nonexistent/cert.pem"))
	assert.Error(t, e.SetOption(OptTLSNewContext, 0))
	assert.Equal(t, uint16(ldap.LDAPResultLocalError), e.ErrorNumber())
}

func TestGoLDAPEngine_SendFailures(t *testing.T) {
	e := newTestGoLDAPEngine(t, "")

	id, err := e.SimpleBind(context.Background(), "cn=admin,dc=example,dc=com", "secret")
	assert.Equal(t, -1, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine has no server URI")
	assert.Equal(t, uint16(ldap.LDAPResultServerDown), e.ErrorNumber())

	id, err = e.Search(context.Background(), &SearchRequest{BaseDN: "dc=example,dc=com", Filter: "(uid="}, nil, nil)
	assert.Equal(t, -1, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile filter")
	assert.Equal(t, uint16(ldap.LDAPResultFilterError), e.ErrorNumber())
}

func TestGoLDAPEngine_Result(t *testing.T) {
	ctx := context.Background()
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	id := pending(e)

	e.deliver(id,
		&Message{Type: MessageSearchEntry, Entry: ldap.NewEntry("cn=a,dc=example,dc=com", nil)},
		&Message{Type: MessageSearchEntry, Entry: ldap.NewEntry("cn=b,dc=example,dc=com", nil)},
	)

	env, err := e.Result(ctx, id, ResultOne, time.Second)
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, id, env.Messages[0].ID)
	assert.Equal(t, "cn=a,dc=example,dc=com", env.Messages[0].Entry.DN)

	_, err = e.Result(ctx, id, ResultAll, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrResultTimeout, "all waits for the final result")

	env, err = e.Result(ctx, id, ResultReceived, time.Second)
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "cn=b,dc=example,dc=com", env.Messages[0].Entry.DN)

	e.finish(id, &Message{Type: MessageSearchResult, ResultCode: ldap.LDAPResultNoSuchObject}, nil)

	env, err = e.Result(ctx, id, ResultAll, time.Second)
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.True(t, env.Messages[0].IsResult())
	assert.Equal(t, uint16(ldap.LDAPResultSuccess), e.ErrorNumber(), "result codes stay with their request")

	_, err = e.Result(ctx, id, ResultOne, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrResultTimeout, "completed requests are forgotten")
}

func TestGoLDAPEngine_MultiplexedResults(t *testing.T) {
	ctx := context.Background()
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	c, err := allocate(ctx, testConfig(), factoryFor(e), Capabilities{}, nil, GlobalOptions{})
	require.NoError(t, err)

	failed, succeeded := pending(e), pending(e)
	e.finish(failed, &Message{Type: MessageSearchResult, ResultCode: ldap.LDAPResultNoSuchObject}, nil)
	e.deliver(succeeded,
		&Message{Type: MessageSearchEntry, Entry: ldap.NewEntry("cn=a,dc=example,dc=com", nil)},
		&Message{Type: MessageSearchResult},
	)

	_, status, err := c.Result(ctx, failed, ResultAll, "ou=gone,dc=example,dc=com", time.Second)
	assert.Error(t, err)
	assert.Equal(t, StatusBadDN, status)

	res, status, err := c.Result(ctx, succeeded, ResultAll, "dc=example,dc=com", time.Second)
	require.NoError(t, err, "a failed request does not poison the next one")
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, 1, res.Count())
	res.Release()

	e.mu.Lock()
	assert.Empty(t, e.ops)
	e.mu.Unlock()
}

func TestGoLDAPEngine_ResultWaitsForDelivery(t *testing.T) {
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	id := pending(e)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.finish(id, &Message{Type: MessageBindResult}, nil)
	}()

	env, err := e.Result(context.Background(), id, ResultAll, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, MessageBindResult, env.Messages[0].Type)
}

func TestGoLDAPEngine_ResultAnyMessage(t *testing.T) {
	ctx := context.Background()
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	first := pending(e)
	second := pending(e)
	third := pending(e)

	e.finish(third, &Message{Type: MessageModifyResult}, nil)
	e.finish(second, &Message{Type: MessageBindResult}, nil)

	env, err := e.Result(ctx, AnyMessageID, ResultAll, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, env.Messages[0].ID, "lowest ready id first")

	env, err = e.Result(ctx, AnyMessageID, ResultAll, time.Second)
	require.NoError(t, err)
	assert.Equal(t, third, env.Messages[0].ID)

	_, err = e.Result(ctx, AnyMessageID, ResultAll, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrResultTimeout, "request %d has nothing ready", first)
}

func TestGoLDAPEngine_ResultTransportFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	id := pending(e)
	failure := ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))

	e.deliver(id, &Message{Type: MessageSearchEntry, Entry: ldap.NewEntry("cn=a,dc=example,dc=com", nil)})
	e.finish(id, nil, failure)

	env, err := e.Result(ctx, id, ResultOne, time.Second)
	require.NoError(t, err, "messages that arrived before the failure are delivered first")
	require.Len(t, env.Messages, 1)

	env, err = e.Result(ctx, id, ResultOne, time.Second)
	assert.Nil(t, env)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, uint16(ldap.LDAPResultServerDown), e.ErrorNumber())
}

func TestGoLDAPEngine_Unbind(t *testing.T) {
	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	id := pending(e)

	waiting := make(chan error, 1)
	go func() {
		_, err := e.Result(context.Background(), id, ResultAll, 0)
		waiting <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Unbind(nil, nil))

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, errEngineUnbound)
	case <-time.After(5 * time.Second):
		t.Fatal("Result was not woken by Unbind")
	}

	_, err := e.SimpleBind(context.Background(), "", "")
	assert.ErrorIs(t, err, errEngineUnbound)
	assert.Equal(t, uint16(ldap.LDAPResultServerDown), e.ErrorNumber())
	assert.NoError(t, e.Unbind(nil, nil), "second unbind is a no-op")
}

func TestResultMessage(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantTransport  bool
		wantCode       uint16
		wantParseError uint16
		wantMatched    string
		wantDiagnostic string
	}{
		{
			name: "success",
		},
		{
			name:           "server result",
			err:            &ldap.Error{ResultCode: ldap.LDAPResultNoSuchObject, MatchedDN: "dc=example,dc=com", Err: errors.New("no such entry")},
			wantCode:       ldap.LDAPResultNoSuchObject,
			wantMatched:    "dc=example,dc=com",
			wantDiagnostic: "no such entry",
		},
		{
			name:          "network failure",
			err:           ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset")),
			wantTransport: true,
		},
		{
			name:           "client side failure",
			err:            ldap.NewError(ldap.ErrorFilterCompile, errors.New("bad filter")),
			wantParseError: ldap.LDAPResultLocalError,
			wantDiagnostic: "bad filter",
		},
		{
			name:           "plain error",
			err:            errors.New("unexpected"),
			wantParseError: ldap.LDAPResultLocalError,
			wantDiagnostic: "unexpected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controls := []ldap.Control{ldap.NewControlManageDsaIT(false)}

			msg, err := resultMessage(MessageBindResult, controls, tt.err)

			if tt.wantTransport {
				assert.Nil(t, msg)
				assert.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, MessageBindResult, msg.Type)
			assert.Equal(t, controls, msg.Controls)
			assert.Equal(t, tt.wantCode, msg.ResultCode)
			assert.Equal(t, tt.wantParseError, msg.ParseError)
			assert.Equal(t, tt.wantMatched, msg.MatchedDN)
			assert.Equal(t, tt.wantDiagnostic, msg.DiagnosticMessage)
		})
	}
}

// referralPacket builds an LDAPMessage carrying a referral result.
func referralPacket(urls ...string) *ber.Packet {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 1, "MessageID"))

	response := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationModifyResponse, nil, "Modify Response")
	response.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, uint64(ldap.LDAPResultReferral), "resultCode"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))

	referral := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
	for _, u := range urls {
		referral.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, u, "URI"))
	}
	response.AppendChild(referral)

	envelope.AppendChild(response)
	return envelope
}

func TestReferralsFromError(t *testing.T) {
	urls := []string{"ldap://ldap2.example.com/dc=example,dc=com", "ldap://ldap3.example.com/dc=example,dc=com"}

	err := &ldap.Error{ResultCode: ldap.LDAPResultReferral, Packet: referralPacket(urls...)}
	assert.Equal(t, urls, referralsFromError(err))

	msg, sendErr := resultMessage(MessageModifyResult, nil, err)
	require.NoError(t, sendErr)
	assert.Equal(t, urls, msg.Referrals)

	assert.Nil(t, referralsFromError(&ldap.Error{ResultCode: ldap.LDAPResultReferral}), "no packet")
	assert.Nil(t, referralsFromError(&ldap.Error{ResultCode: ldap.LDAPResultBusy, Packet: referralPacket(urls...)}))
}

func TestGoLDAPEngine_ReissueOn(t *testing.T) {
	const referral = "ldap://ldap2.example.com/ou=people,dc=example,dc=com"

	tests := []struct {
		name           string
		rebind         *uint16
		reissueErr     error
		wantReissue    bool
		wantCode       uint16
		wantDiagnostic string
	}{
		{
			name:        "no rebinder",
			wantReissue: true,
		},
		{
			name:        "rebind succeeds",
			rebind:      ptr(uint16(ldap.LDAPResultSuccess)),
			wantReissue: true,
		},
		{
			name:           "rebind fails",
			rebind:         ptr(uint16(ldap.LDAPResultInvalidCredentials)),
			wantCode:       ldap.LDAPResultInvalidCredentials,
			wantDiagnostic: "referral rebind failed",
		},
		{
			name:           "referral server fails",
			reissueErr:     errors.New("connection reset"),
			wantReissue:    true,
			wantCode:       ldap.LDAPResultOther,
			wantDiagnostic: "referral chasing failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")

			rebinder := &MockRebinder{}
			if tt.rebind != nil {
				rebinder.On("Rebind", mock.Anything, referral).Return(*tt.rebind).Once()
				e.SetRebinder(rebinder)
			}

			ref, err := ParseReferralURL(referral)
			require.NoError(t, err)

			reissued := false
			msg := e.reissueOn(ctx, nil, "ldap2.example.com", referral, ref, MessageSearchResult,
				func(_ *ldap.Conn, got *ReferralURL) (*Message, error) {
					reissued = true
					assert.Equal(t, "ou=people,dc=example,dc=com", got.DN)
					if tt.reissueErr != nil {
						return nil, tt.reissueErr
					}
					return &Message{Type: MessageSearchResult}, nil
				})

			assert.Equal(t, tt.wantReissue, reissued)
			assert.Equal(t, MessageSearchResult, msg.Type)
			assert.Equal(t, tt.wantCode, msg.ResultCode)
			assert.Equal(t, tt.wantDiagnostic, msg.DiagnosticMessage)
			rebinder.AssertExpectations(t)
		})
	}
}

func TestGoLDAPEngine_FollowReferral(t *testing.T) {
	tests := []struct {
		name     string
		msg      *Message
		hopLimit int
		wantCode uint16
		wantSame bool
	}{
		{
			name:     "not a referral",
			msg:      &Message{Type: MessageModifyResult, ResultCode: ldap.LDAPResultSuccess},
			hopLimit: 5,
			wantCode: ldap.LDAPResultSuccess,
			wantSame: true,
		},
		{
			name:     "referral without urls",
			msg:      &Message{Type: MessageModifyResult, ResultCode: ldap.LDAPResultReferral},
			hopLimit: 5,
			wantCode: ldap.LDAPResultReferral,
			wantSame: true,
		},
		{
			name: "hop limit reached",
			msg: &Message{
				Type:       MessageModifyResult,
				ResultCode: ldap.LDAPResultReferral,
				Referrals:  []string{"ldap://ldap2.example.com/"},
			},
			hopLimit: 0,
			wantCode: ldap.LDAPResultReferralLimitExceeded,
		},
		{
			name: "unusable referrals are returned as is",
			msg: &Message{
				Type:       MessageModifyResult,
				ResultCode: ldap.LDAPResultReferral,
				Referrals:  []string{"http://ldap2.example.com/", "ldap://127.0.0.1:1/dc=example,dc=com"},
			},
			hopLimit: 5,
			wantCode: ldap.LDAPResultReferral,
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
			target := sendTarget{opts: engineOptions{hopLimit: tt.hopLimit, netTimeout: time.Second}}

			got, err := e.followReferral(context.Background(), target, tt.msg,
				func(*ldap.Conn, *ReferralURL) (*Message, error) {
					t.Fatal("no referral should be reissued")
					return nil, nil
				})

			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, got.ResultCode)
			if tt.wantSame {
				assert.Same(t, tt.msg, got)
			}
		})
	}
}

// pipeConn starts a go-ldap connection over an in-memory pipe and returns the
// server end.
func pipeConn(t *testing.T) (*ldap.Conn, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	conn := ldap.NewConn(client, false)
	conn.Start()
	t.Cleanup(func() {
		_ = server.Close()
		_ = conn.Close()
	})
	return conn, server
}

// serveBinds answers every bind request read from server with code and
// reports the message ID of each one. Other requests are read and dropped.
func serveBinds(server net.Conn, code uint16) <-chan int64 {
	ids := make(chan int64, 10)
	go func() {
		for {
			packet, err := ber.ReadPacket(server)
			if err != nil {
				return
			}
			if len(packet.Children) < 2 || packet.Children[1].Tag != ldap.ApplicationBindRequest {
				continue
			}

			id, _ := packet.Children[0].Value.(int64)
			ids <- id
			if _, err := server.Write(bindResponsePacket(id, code).Bytes()); err != nil {
				return
			}
		}
	}()
	return ids
}

// bindResponsePacket builds an LDAPMessage carrying a bind result.
func bindResponsePacket(id int64, code uint16) *ber.Packet {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))

	response := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationBindResponse, nil, "Bind Response")
	response.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, uint64(code), "resultCode"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	response.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))

	envelope.AppendChild(response)
	return envelope
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

type rebinderFunc func(ctx context.Context, url string) uint16

func (f rebinderFunc) Rebind(ctx context.Context, url string) uint16 {
	return f(ctx, url)
}

func TestGoLDAPEngine_RebindTargetsOnlyTheReferral(t *testing.T) {
	const referral = "ldap://ldap2.example.com/dc=example,dc=com"

	e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
	primary, primaryServer := pipeConn(t)
	referralConn, referralServer := pipeConn(t)
	primaryBinds := serveBinds(primaryServer, ldap.LDAPResultSuccess)
	referralBinds := serveBinds(referralServer, ldap.LDAPResultSuccess)

	e.mu.Lock()
	e.conn, e.host = primary, "ldap.example.com"
	e.mu.Unlock()

	rebinding := make(chan struct{})
	release := make(chan struct{})
	e.SetRebinder(rebinderFunc(func(ctx context.Context, _ string) uint16 {
		defer close(rebinding)
		if _, err := e.SimpleBind(ctx, "cn=referral,dc=example,dc=com", "secret"); err != nil {
			return ldap.LDAPResultOther
		}
		<-release
		return ldap.LDAPResultSuccess
	}))

	ref, err := ParseReferralURL(referral)
	require.NoError(t, err)

	done := make(chan *Message, 1)
	go func() {
		done <- e.reissueOn(context.Background(), referralConn, "ldap2.example.com", referral, ref, MessageSearchResult,
			func(*ldap.Conn, *ReferralURL) (*Message, error) {
				return &Message{Type: MessageSearchResult}, nil
			})
	}()

	receive(t, referralBinds, "rebind on the referral server")

	id, err := e.SimpleBind(context.Background(), "cn=admin,dc=example,dc=com", "secret")
	require.NoError(t, err)
	receive(t, primaryBinds, "unrelated bind on the configured server")

	env, err := e.Result(context.Background(), id, ResultAll, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(ldap.LDAPResultSuccess), env.Messages[0].ResultCode)

	close(release)
	msg := receive[*Message](t, done, "reissue")
	<-rebinding

	assert.Equal(t, uint16(ldap.LDAPResultSuccess), msg.ResultCode)
	assert.Empty(t, referralBinds, "only the rebind reached the referral server")
}

func TestReferralRebinder_BindsOnReferralServer(t *testing.T) {
	const referral = "ldap://ldap2.example.com/dc=example,dc=com"

	tests := []struct {
		name        string
		code        uint16
		wantCode    uint16
		wantReissue bool
		wantError   string
	}{
		{
			name:        "bind accepted",
			code:        ldap.LDAPResultSuccess,
			wantCode:    ldap.LDAPResultSuccess,
			wantReissue: true,
			wantError:   "Success",
		},
		{
			name:      "bind rejected",
			code:      ldap.LDAPResultInvalidCredentials,
			wantCode:  ldap.LDAPResultInvalidCredentials,
			wantError: "lib error: Invalid Credentials (49)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestGoLDAPEngine(t, "ldap://ldap.example.com")
			primary, primaryServer := pipeConn(t)
			referralConn, referralServer := pipeConn(t)
			primaryBinds := serveBinds(primaryServer, ldap.LDAPResultSuccess)
			referralBinds := serveBinds(referralServer, tt.code)

			e.mu.Lock()
			e.conn, e.host = primary, "ldap.example.com"
			e.mu.Unlock()

			c, err := allocate(ctx, testConfig(), factoryFor(e), Capabilities{}, nil, GlobalOptions{})
			require.NoError(t, err)
			e.SetRebinder(&referralRebinder{conn: c})

			ref, err := ParseReferralURL(referral)
			require.NoError(t, err)

			reissued := false
			msg := e.reissueOn(ctx, referralConn, "ldap2.example.com", referral, ref, MessageModifyResult,
				func(*ldap.Conn, *ReferralURL) (*Message, error) {
					reissued = true
					return &Message{Type: MessageModifyResult}, nil
				})

			assert.Equal(t, tt.wantCode, msg.ResultCode)
			assert.Equal(t, tt.wantReissue, reissued)
			assert.True(t, c.Referred())
			assert.True(t, c.Rebound())
			assert.Contains(t, c.LastError(), tt.wantError)
			assert.Len(t, referralBinds, 1)
			assert.Empty(t, primaryBinds)
		})
	}
}
