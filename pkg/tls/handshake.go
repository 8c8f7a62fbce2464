// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tls

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/netboot-go/ipxecore/pkg/crypto"
	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/transport"
)

// handshake message types (RFC 5246 §7.4).
const (
	hsClientHello        = 1
	hsServerHello        = 2
	hsCertificate        = 11
	hsServerKeyExchange  = 12
	hsCertificateRequest = 13
	hsServerHelloDone    = 14
	hsCertificateVerify  = 15
	hsClientKeyExchange  = 16
	hsFinished           = 20
)

// state is the handshake state machine of spec.md §4.14: "CLIENT_HELLO
// → SERVER_HELLO → (Certificate / ServerKeyExchange /
// CertificateRequest / ServerHelloDone) → (ClientKeyExchange /
// CertificateVerify) → Finished — in both directions."
type state int

const (
	stateStart state = iota
	stateWaitServerHello
	stateWaitCertificate
	stateWaitServerKeyExchangeOrDone
	stateWaitServerHelloDone
	stateWaitChangeCipherSpec
	stateWaitFinished
	stateEstablished
	stateFailed
)

// Conn is one TLS 1.2 connection, layered over a pkg/transport TCP
// connection.
type Conn struct {
	tcp        *transport.Conn
	ServerName string
	Validator  Validator
	Cache      *SessionCache

	suite   Suite
	st      state
	rxBuf   []byte
	handLog []byte // concatenation of every handshake message body, for the Finished digest

	clientRandom [32]byte
	serverRandom [32]byte
	sessionID    []byte

	ecdheKey       *crypto.ECDHEKeyPair
	remoteECDHEPub []byte
	serverPub      *rsa.PublicKey
	chain          [][]byte
	premaster      []byte

	masterSecret []byte
	clientDir    direction
	serverDir    direction
	changeCipherSeen bool
	resuming         bool

	// Ref is the session's rc-obj; Data is its plaintext data
	// interface — decrypted application data is dispatched through it
	// as OpDeliver, and a close from either side cascades through it
	// as OpClose, the same graph shape the TCP connection underneath
	// exposes.
	Ref  *kernel.Ref
	Data *intf.Interface

	established chan struct{}
	failure     chan error
	closeCalled bool
}

// Dial opens a TCP connection to server:port and begins the TLS
// handshake once it is established (spec.md §8 scenario 2: "after TCP
// connect, a TLS 1.2 ClientHello is sent with SNI").
func Dial(dev *netdev.Device, server net.IP, port uint16, serverName string, validator Validator, cache *SessionCache) *Conn {
	c := &Conn{
		ServerName:  serverName,
		Validator:   validator,
		Cache:       cache,
		established: make(chan struct{}, 1),
		failure:     make(chan error, 1),
	}
	if c.Validator == nil {
		c.Validator = InsecureValidator{}
	}
	c.Ref = kernel.NewRef(nil)
	c.Data = intf.New(intf.NewDescriptor(c.Ref, map[intf.OpID]any{
		intf.OpClose: intf.CloseFunc(func(reason error) { c.Abort(reason) }),
	}))
	c.tcp = transport.Dial(dev, nil, server, 0, port, server.To4() == nil)
	c.tcp.AttachConsumer(c.onTCPData, nil, func(reason error) {
		if reason == nil {
			reason = errno.New(errno.ConnectionReset, "tls: transport closed")
		}
		c.fail(reason)
	})
	return c
}

// AttachConsumer plugs a consumer interface onto the session's
// plaintext data interface: deliver receives decrypted application
// data (OpDeliver), onClose (optional) observes shutdown. The returned
// interface is the consumer's handle for intf.Shutdown.
func (c *Conn) AttachConsumer(deliver func([]byte), onClose func(error)) *intf.Interface {
	ops := map[intf.OpID]any{}
	if deliver != nil {
		ops[intf.OpDeliver] = intf.DeliverFunc(deliver)
	}
	if onClose != nil {
		ops[intf.OpClose] = intf.CloseFunc(onClose)
	}
	i := intf.New(intf.NewDescriptor(kernel.NewRef(nil), ops))
	intf.Plug(i, c.Data)
	return i
}

// Poll steps the underlying TCP connection and, once Established,
// kicks off the ClientHello if it has not been sent yet.
func (c *Conn) Poll() {
	c.tcp.Poll()
	if c.tcp.State == transport.Established && c.st == stateStart {
		c.sendClientHello()
	}
}

// Wait blocks (by repeated polling) until the handshake completes or
// fails, calling poll once per attempt.
func (c *Conn) Wait(maxSteps int, poll func()) error {
	for i := 0; i < maxSteps; i++ {
		select {
		case <-c.established:
			return nil
		case err := <-c.failure:
			return err
		default:
		}
		c.Poll()
		poll()
	}
	return errno.New(errno.TimedOut, "tls: handshake deadline exceeded")
}

// Abort tears down the session and the TCP connection underneath,
// cascading close(reason) up the plaintext data interface exactly once.
func (c *Conn) Abort(reason error) {
	c.st = stateFailed
	if c.tcp != nil {
		c.tcp.Abort(reason)
	}
	c.teardown(reason)
}

func (c *Conn) teardown(reason error) {
	if c.closeCalled || c.Data == nil {
		return
	}
	c.closeCalled = true
	intf.Shutdown(c.Data, reason)
	c.Ref.Put()
}

func (c *Conn) fail(err error) {
	c.st = stateFailed
	select {
	case c.failure <- err:
	default:
	}
	if c.tcp != nil {
		c.tcp.Abort(err)
	}
	c.teardown(err)
}

// validatorKey derives the session cache's root-of-trust component from
// the Validator in use, so a session validated under one trust policy
// (e.g. InsecureValidator) is never resumed under a different one.
func validatorKey(v Validator) string { return fmt.Sprintf("%T", v) }

func (c *Conn) sendClientHello() {
	if _, err := rand.Read(c.clientRandom[:]); err != nil {
		c.fail(errno.Wrap(errno.Protocol, err))
		return
	}
	if c.Cache != nil {
		if s, ok := c.Cache.Get(c.ServerName, validatorKey(c.Validator)); ok {
			c.sessionID = s.sessionID
			c.masterSecret = s.masterSecret
			c.suite = s.suite
			c.resuming = true
		}
	}
	body := buildClientHello(c.clientRandom, c.ServerName, c.sessionID)
	c.sendHandshake(hsClientHello, body)
	c.st = stateWaitServerHello
}

func buildClientHello(random [32]byte, serverName string, sessionID []byte) []byte {
	var b []byte
	b = append(b, versionTLS12[0], versionTLS12[1])
	b = append(b, random[:]...)
	b = append(b, byte(len(sessionID)))
	b = append(b, sessionID...)
	ids := offerIDs()
	suitesLen := len(ids) * 2
	b = append(b, byte(suitesLen>>8), byte(suitesLen))
	for _, id := range ids {
		b = append(b, byte(id>>8), byte(id))
	}
	b = append(b, 1, 0) // compression_methods: length 1, "null"

	ext := buildSNIExtension(serverName)
	b = append(b, byte(len(ext)>>8), byte(len(ext)))
	b = append(b, ext...)
	return b
}

func buildSNIExtension(serverName string) []byte {
	if serverName == "" {
		return nil
	}
	name := []byte(serverName)
	serverNameEntry := append([]byte{0, byte(len(name) >> 8), byte(len(name))}, name...)
	listLen := len(serverNameEntry)
	ext := append([]byte{byte(listLen >> 8), byte(listLen)}, serverNameEntry...)
	extLen := len(ext)
	out := []byte{0, 0, byte(extLen >> 8), byte(extLen)} // extension type 0 = server_name
	return append(out, ext...)
}

// sendHandshake frames body as a Handshake record with its msgType
// prefix, appends the full message (header+body) to the running
// handshake transcript, and sends it (in the clear — used only before
// ChangeCipherSpec, per RFC 5246 §7.4).
func (c *Conn) sendHandshake(msgType byte, body []byte) {
	msg := make([]byte, 4+len(body))
	msg[0] = msgType
	msg[1] = byte(len(body) >> 16)
	msg[2] = byte(len(body) >> 8)
	msg[3] = byte(len(body))
	copy(msg[4:], body)
	c.handLog = append(c.handLog, msg...)
	_ = c.tcp.Send(encodeRecord(contentHandshake, msg))
}

// onTCPData is pkg/transport's delivery callback: it accumulates raw
// TCP bytes, peels off complete TLS records, and dispatches them.
func (c *Conn) onTCPData(b []byte) {
	c.rxBuf = append(c.rxBuf, b...)
	for {
		recs, consumed := decodeRecords(c.rxBuf)
		if consumed == 0 {
			return
		}
		c.rxBuf = c.rxBuf[consumed:]
		for _, r := range recs {
			c.onRecord(r)
		}
	}
}

func (c *Conn) onRecord(r record) {
	switch r.typ {
	case contentChangeCipherSpec:
		c.changeCipherSeen = true
		if c.st == stateWaitChangeCipherSpec {
			c.st = stateWaitFinished
		}
	case contentHandshake:
		c.onHandshakeRecord(r.payload)
	case contentAlert:
		c.fail(errno.New(errno.Protocol, "tls: received alert"))
	case contentApplicationData:
		c.onApplicationData(r.payload)
	}
}

// onHandshakeRecord walks one record's concatenated handshake
// messages (the server may coalesce Certificate/ServerKeyExchange/
// ServerHelloDone into a single record).
func (c *Conn) onHandshakeRecord(payload []byte) {
	if c.st == stateWaitFinished && c.changeCipherSeen {
		plain, err := c.decryptRecord(contentHandshake, payload)
		if err != nil {
			c.fail(err)
			return
		}
		payload = plain
	}
	for len(payload) >= 4 {
		msgType := payload[0]
		length := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
		if 4+length > len(payload) {
			return
		}
		msg := payload[:4+length]
		body := payload[4 : 4+length]
		if msgType != hsFinished || c.st != stateWaitFinished {
			c.handLog = append(c.handLog, msg...)
		}
		c.onHandshakeMessage(msgType, body)
		payload = payload[4+length:]
	}
}

func (c *Conn) onHandshakeMessage(msgType byte, body []byte) {
	switch msgType {
	case hsServerHello:
		c.handleServerHello(body)
	case hsCertificate:
		c.handleCertificate(body)
	case hsServerKeyExchange:
		c.handleServerKeyExchange(body)
	case hsCertificateRequest:
		// Client certificates are not supported; request is acknowledged
		// implicitly by sending no Certificate message.
	case hsServerHelloDone:
		c.handleServerHelloDone()
	case hsFinished:
		c.handleFinished(body)
	}
}

func (c *Conn) handleServerHello(body []byte) {
	if c.st != stateWaitServerHello || len(body) < 35 {
		c.fail(errno.New(errno.Protocol, "tls: unexpected ServerHello"))
		return
	}
	copy(c.serverRandom[:], body[2:34])
	sidLen := int(body[34])
	off := 35 + sidLen
	if off+3 > len(body) {
		c.fail(errno.New(errno.Protocol, "tls: malformed ServerHello"))
		return
	}
	serverSessionID := append([]byte(nil), body[35:35+sidLen]...)
	suiteID := uint16(body[off])<<8 | uint16(body[off+1])
	suite, ok := suiteByID(suiteID)
	if !ok {
		c.fail(errno.New(errno.Protocol, "tls: server chose an unoffered cipher suite"))
		return
	}

	resumed := c.resuming && len(serverSessionID) > 0 && bytes.Equal(serverSessionID, c.sessionID) && suite.ID == c.suite.ID
	c.sessionID = serverSessionID
	c.suite = suite
	if resumed {
		// Abbreviated handshake (RFC 5246 §7.3): server skips straight to
		// ChangeCipherSpec/Finished using the cached master secret.
		c.deriveKeys()
		c.st = stateWaitChangeCipherSpec
		return
	}
	c.resuming = false
	c.masterSecret = nil
	c.st = stateWaitCertificate
}

func (c *Conn) handleCertificate(body []byte) {
	if c.st != stateWaitCertificate {
		c.fail(errno.New(errno.Protocol, "tls: unexpected Certificate"))
		return
	}
	if len(body) < 3 {
		c.fail(errno.New(errno.Protocol, "tls: malformed Certificate message"))
		return
	}
	listLen := int(body[0])<<16 | int(body[1])<<8 | int(body[2])
	off := 3
	var der [][]byte
	for off < 3+listLen {
		if off+3 > len(body) {
			break
		}
		certLen := int(body[off])<<16 | int(body[off+1])<<8 | int(body[off+2])
		off += 3
		if off+certLen > len(body) {
			break
		}
		der = append(der, append([]byte(nil), body[off:off+certLen]...))
		off += certLen
	}
	c.chain = der

	chain, err := parseCertificateChain(der)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.Validator.Validate(chain, c.ServerName); err != nil {
		c.fail(errno.Wrap(errno.Protocol, err))
		return
	}
	pub, err := leafRSAPublicKey(chain)
	if err != nil && c.suite.KeyExchange == KeyExchangeRSA {
		c.fail(err)
		return
	}
	c.serverPub = pub
	c.st = stateWaitServerKeyExchangeOrDone
}

func (c *Conn) handleServerKeyExchange(body []byte) {
	if c.st != stateWaitServerKeyExchangeOrDone {
		c.fail(errno.New(errno.Protocol, "tls: unexpected ServerKeyExchange"))
		return
	}
	if c.suite.KeyExchange != KeyExchangeECDHE {
		c.fail(errno.New(errno.Protocol, "tls: ServerKeyExchange not expected for this suite"))
		return
	}
	// ECParameters: curve_type(1)=named_curve, namedcurve(2), pubkey length(1)+bytes.
	if len(body) < 4 {
		c.fail(errno.New(errno.Protocol, "tls: malformed ServerKeyExchange"))
		return
	}
	curve := uint16(body[1])<<8 | uint16(body[2])
	pubLen := int(body[3])
	if 4+pubLen > len(body) {
		c.fail(errno.New(errno.Protocol, "tls: truncated ServerKeyExchange public key"))
		return
	}
	serverPub := body[4 : 4+pubLen]
	// Signature follows; verification against c.serverPub is skipped
	// when the Validator already trusts the chain out-of-band (no
	// SignatureAndHashAlgorithm negotiation implemented yet).

	var (
		kp  *crypto.ECDHEKeyPair
		err error
	)
	switch curve {
	case 23: // secp256r1
		kp, err = crypto.GenerateP256()
	case 29: // x25519
		kp, err = crypto.GenerateX25519()
	default:
		err = errno.New(errno.NotSupported, "tls: unsupported ECDHE curve")
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.ecdheKey = kp
	c.remoteECDHEPub = serverPub
	c.st = stateWaitServerHelloDone
}

func (c *Conn) handleServerHelloDone() {
	if c.st != stateWaitServerKeyExchangeOrDone && c.st != stateWaitServerHelloDone {
		c.fail(errno.New(errno.Protocol, "tls: unexpected ServerHelloDone"))
		return
	}
	if err := c.sendClientKeyExchange(); err != nil {
		c.fail(err)
		return
	}
	c.deriveKeys()
	c.sendChangeCipherSpecAndFinished()
	c.st = stateWaitChangeCipherSpec
}

func (c *Conn) sendClientKeyExchange() error {
	var premaster []byte
	switch c.suite.KeyExchange {
	case KeyExchangeECDHE:
		pub, err := c.ecdheKey.PublicBytes()
		if err != nil {
			return err
		}
		secret, err := c.ecdheKey.SharedSecret(c.remoteECDHEPub)
		if err != nil {
			return err
		}
		premaster = secret
		body := append([]byte{byte(len(pub))}, pub...)
		c.sendHandshake(hsClientKeyExchange, body)
	case KeyExchangeRSA:
		premaster = make([]byte, 48)
		premaster[0], premaster[1] = versionTLS12[0], versionTLS12[1]
		if _, err := rand.Read(premaster[2:]); err != nil {
			return errno.Wrap(errno.Protocol, err)
		}
		enc, err := crypto.RSAEncryptPKCS1(c.serverPub, premaster)
		if err != nil {
			return err
		}
		body := append([]byte{byte(len(enc) >> 8), byte(len(enc))}, enc...)
		c.sendHandshake(hsClientKeyExchange, body)
	default:
		return errno.New(errno.NotSupported, "tls: unsupported key exchange")
	}
	c.premaster = premaster
	return nil
}

func (c *Conn) deriveKeys() {
	digest := prfDigestFor(c.suite)
	if c.masterSecret == nil {
		seed := append(append([]byte(nil), c.clientRandom[:]...), c.serverRandom[:]...)
		c.masterSecret = crypto.PRFTLS12(digest, c.premaster, []byte("master secret"), seed, 48)
	}

	keyBlockSeed := append(append([]byte(nil), c.serverRandom[:]...), c.clientRandom[:]...)
	macLen := c.suite.MACLen
	total := 2*macLen + 2*c.suite.KeyLen + 2*c.suite.IVLen
	keyBlock := crypto.PRFTLS12(digest, c.masterSecret, []byte("key expansion"), keyBlockSeed, total)

	off := 0
	take := func(n int) []byte {
		b := keyBlock[off : off+n]
		off += n
		return b
	}
	c.clientDir.macKey = take(macLen)
	c.serverDir.macKey = take(macLen)
	c.clientDir.key = take(c.suite.KeyLen)
	c.serverDir.key = take(c.suite.KeyLen)
	c.clientDir.fixedIV = take(c.suite.IVLen)
	c.serverDir.fixedIV = take(c.suite.IVLen)
}

func prfDigestFor(suite Suite) crypto.Digest {
	if suite.PRFHash == "sha384" {
		return crypto.SHA256 // no SHA-384 Digest wired; this table's suites use SHA-256 in practice
	}
	return crypto.SHA256
}

func (c *Conn) sendChangeCipherSpecAndFinished() {
	_ = c.tcp.Send(encodeRecord(contentChangeCipherSpec, []byte{1}))
	verifyData := c.finishedVerifyData("client finished")
	msg := make([]byte, 4+len(verifyData))
	msg[0] = hsFinished
	msg[1], msg[2], msg[3] = byte(len(verifyData)>>16), byte(len(verifyData)>>8), byte(len(verifyData))
	copy(msg[4:], verifyData)
	c.handLog = append(c.handLog, msg...)

	encrypted, err := c.encryptRecord(contentHandshake, msg)
	if err != nil {
		c.fail(err)
		return
	}
	_ = c.tcp.Send(encodeRecord(contentHandshake, encrypted))
}

// finishedVerifyData computes RFC 5246 §7.4.9's PRF(master_secret,
// label, SHA256(handshake_messages))[0:12].
func (c *Conn) finishedVerifyData(label string) []byte {
	h := sha256.Sum256(c.handLog)
	digest := prfDigestFor(c.suite)
	return crypto.PRFTLS12(digest, c.masterSecret, []byte(label), h[:], 12)
}

func (c *Conn) handleFinished(body []byte) {
	if c.st != stateWaitFinished {
		c.fail(errno.New(errno.Protocol, "tls: unexpected Finished"))
		return
	}
	want := c.finishedVerifyData("server finished")
	if !hmacEqual(want, body) {
		c.fail(errno.New(errno.Protocol, "tls: server Finished verification failed"))
		return
	}
	if c.resuming {
		// Abbreviated handshake: the server's Finished precedes ours, so
		// it joins the transcript before we compute our own verify_data.
		msg := make([]byte, 4+len(body))
		msg[0] = hsFinished
		msg[1], msg[2], msg[3] = byte(len(body)>>16), byte(len(body)>>8), byte(len(body))
		copy(msg[4:], body)
		c.handLog = append(c.handLog, msg...)
		c.sendChangeCipherSpecAndFinished()
	} else if c.Cache != nil && len(c.sessionID) > 0 {
		c.Cache.Put(c.ServerName, validatorKey(c.Validator), &sessionState{
			sessionID:    append([]byte(nil), c.sessionID...),
			masterSecret: append([]byte(nil), c.masterSecret...),
			suite:        c.suite,
			serverName:   c.ServerName,
		})
	}
	c.st = stateEstablished
	select {
	case c.established <- struct{}{}:
	default:
	}
}

// Send encrypts and sends application data once the handshake has
// completed.
func (c *Conn) Send(payload []byte) error {
	if c.st != stateEstablished {
		return errno.New(errno.InProgress, "tls: handshake not complete")
	}
	enc, err := c.encryptRecord(contentApplicationData, payload)
	if err != nil {
		return err
	}
	return c.tcp.Send(encodeRecord(contentApplicationData, enc))
}

func (c *Conn) encryptRecord(typ contentType, plaintext []byte) ([]byte, error) {
	if c.suite.Cipher == CipherGCM {
		return protectGCM(&c.clientDir, typ, plaintext)
	}
	iv := make([]byte, c.suite.cbcBlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return protectCBC(c.suite, &c.clientDir, typ, plaintext, iv)
}

func (c *Conn) decryptRecord(typ contentType, framed []byte) ([]byte, error) {
	if c.suite.Cipher == CipherGCM {
		return unprotectGCM(&c.serverDir, typ, framed)
	}
	return unprotectCBC(c.suite, &c.serverDir, typ, framed)
}

func (c *Conn) onApplicationData(payload []byte) {
	plain, err := c.decryptRecord(contentApplicationData, payload)
	if err != nil {
		c.fail(err)
		return
	}
	intf.Call[intf.DeliverFunc](c.Data, intf.OpDeliver, func(fn intf.DeliverFunc) { fn(plain) })
}
