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

// Package iscsi implements the iSCSI initiator client of spec.md
// §4.12/§4.15 (RFC 7143 subset): login negotiation with optional
// MSCHAPv2-style CHAP, and SCSI Read/Read Capacity commands whose
// Data-In PDUs are stitched into the caller's buffer by BufferOffset,
// over one pkg/transport TCP connection per session.
package iscsi

import (
	"encoding/binary"
	"net"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/transport"
)

// TargetPort is the well-known iSCSI portal port (RFC 7143 §1).
const TargetPort = 3260

// MaxSessionRetries is the initial value of Session.RetriesRemaining.
// The session does not re-open a lost connection, and nothing in this
// package reads or decrements RetriesRemaining.
const MaxSessionRetries = 4

// txState names the PDU-assembly stage spec.md §4.12 calls out
// explicitly ("Transmit states: TX_IDLE, TX_BHS, TX_AHS, TX_DATA,
// TX_DATA_PADDING"). pkg/transport.Conn.Send queues a whole segment at
// once, so these stages are assembled synchronously inside send();
// txState is kept only to make the assembly order observable and to
// mirror the state names spec.md names explicitly.
type txState int

const (
	txIdle txState = iota
	txBHS
	txAHS
	txData
	txDataPadding
)

type loginPhase int

const (
	phaseSecurity loginPhase = iota
	phaseOperational
	phaseFull
)

// pendingRead tracks one in-flight SCSI Read command awaiting Data-In
// segments, stitched into buf at each segment's BufferOffset.
type pendingRead struct {
	buf  []byte
	done func(error)
}

// Session is one iSCSI initiator session to a target portal.
type Session struct {
	Dev           *netdev.Device
	Target        net.IP
	Port          uint16
	TargetName    string
	InitiatorName string
	CHAPUser      string
	CHAPSecret    string // empty disables CHAP (AuthMethod=None)

	conn     *transport.Conn
	dataIntf *intf.Interface
	rxBuf    []byte
	txSt     txState
	phase    loginPhase

	isid [6]byte
	tsih uint16
	cid  uint16
	itt  uint32

	cmdSN, expStatSN, maxCmdSN uint32

	chapChallenge []byte // CHAP_C received from the target, pending a response

	MaxRecvDataSegmentLength uint32

	pending map[uint32]*pendingRead
	readCap map[uint32]func(blockLen uint32, numBlocks uint64, err error)

	established chan struct{}
	failure     chan error

	RetriesRemaining int
}

// NewSession constructs a Session bound to dev, targeting target:port
// (port 0 defaults to TargetPort) under targetName, logging in as
// initiatorName.
func NewSession(dev *netdev.Device, target net.IP, port uint16, targetName, initiatorName string) *Session {
	if port == 0 {
		port = TargetPort
	}
	return &Session{
		Dev: dev, Target: target, Port: port,
		TargetName: targetName, InitiatorName: initiatorName,
		isid:             [6]byte{0x00, 0x02, 0x3d, 0x00, 0x00, 0x01},
		itt:              1,
		pending:          map[uint32]*pendingRead{},
		readCap:          map[uint32]func(uint32, uint64, error){},
		established:      make(chan struct{}, 1),
		failure:          make(chan error, 1),
		RetriesRemaining: MaxSessionRetries,
	}
}

// Start dials the TCP control connection, plugs the session onto its
// data interface, and begins the login sequence once established.
func (s *Session) Start() {
	s.conn = transport.Dial(s.Dev, nil, s.Target, 0, s.Port, s.Target.To4() == nil)
	s.dataIntf = s.conn.AttachConsumer(s.onTCPData, nil, func(reason error) {
		if reason == nil {
			reason = errno.New(errno.ConnectionReset, "iscsi: connection closed")
		}
		s.fail(reason)
	})
}

// Close shuts the session's side of the interface graph down,
// cascading close(reason) into the TCP connection (which aborts).
func (s *Session) Close(reason error) {
	if s.dataIntf != nil {
		intf.Shutdown(s.dataIntf, reason)
	}
}

// Poll steps the underlying TCP connection; call once per scheduler
// pass.
func (s *Session) Poll() {
	s.conn.Poll()
	if s.conn.State == transport.Established && s.phase == phaseSecurity && len(s.rxBuf) == 0 && s.itt == 1 {
		s.sendSecurityNegotiation()
	}
}

// Wait blocks (by repeated polling) until the full-feature phase is
// reached or the session fails.
func (s *Session) Wait(maxSteps int, poll func()) error {
	for i := 0; i < maxSteps; i++ {
		select {
		case <-s.established:
			return nil
		case err := <-s.failure:
			return err
		default:
		}
		s.Poll()
		poll()
	}
	return errno.New(errno.TimedOut, "iscsi: login deadline exceeded")
}

func (s *Session) fail(err error) {
	select {
	case s.failure <- err:
	default:
	}
}

func (s *Session) nextITT() uint32 {
	itt := s.itt
	s.itt++
	return itt
}

// sendSecurityNegotiation starts the login sequence, declaring
// InitiatorName/TargetName/SessionType and offering CHAP when
// CHAPSecret is set, None otherwise (spec.md §4.12).
func (s *Session) sendSecurityNegotiation() {
	authMethod := "None"
	if s.CHAPSecret != "" {
		authMethod = "CHAP"
	}
	kv := buildKV(
		"InitiatorName", s.InitiatorName,
		"TargetName", s.TargetName,
		"SessionType", "Normal",
		"AuthMethod", authMethod,
	)
	transit := authMethod == "None"
	s.send(buildLoginRequest(s.isid, s.tsih, s.nextITT(), s.cid, csgSecurityNegotiation, csgLoginOperational, transit, s.cmdSN, s.expStatSN, kv))
	s.cmdSN++
}

func (s *Session) sendOperationalNegotiation() {
	kv := buildKV(
		"HeaderDigest", "None",
		"DataDigest", "None",
		"MaxRecvDataSegmentLength", "8192",
		"DefaultTime2Wait", "0",
		"DefaultTime2Retain", "0",
	)
	s.send(buildLoginRequest(s.isid, s.tsih, s.nextITT(), s.cid, csgLoginOperational, csgFullFeaturePhase, true, s.cmdSN, s.expStatSN, kv))
	s.cmdSN++
}

func (s *Session) sendCHAPResponse() {
	peerChallengeHex, responseHex, err := chapResponse(s.chapChallenge, s.CHAPUser, s.CHAPSecret)
	if err != nil {
		s.fail(err)
		return
	}
	kv := buildKV("CHAP_N", s.CHAPUser, "CHAP_R", "0x"+responseHex, "CHAP_I", "0x"+peerChallengeHex)
	s.send(buildLoginRequest(s.isid, s.tsih, s.nextITT(), s.cid, csgSecurityNegotiation, csgLoginOperational, true, s.cmdSN, s.expStatSN, kv))
	s.cmdSN++
}

func (s *Session) send(pdu []byte) {
	s.txSt = txBHS
	if len(pdu) > bhsLen {
		s.txSt = txData
	}
	_ = s.conn.Send(pdu)
	s.txSt = txIdle
}

func (s *Session) onTCPData(b []byte) {
	s.rxBuf = append(s.rxBuf, b...)
	for {
		pdu, ok := s.nextPDU()
		if !ok {
			return
		}
		s.onPDU(pdu)
	}
}

// nextPDU pops one complete PDU (BHS plus padded data segment) off
// rxBuf, if fully received.
func (s *Session) nextPDU() ([]byte, bool) {
	if len(s.rxBuf) < bhsLen {
		return nil, false
	}
	total := bhsLen + padded(dataSegmentLength(s.rxBuf))
	if len(s.rxBuf) < total {
		return nil, false
	}
	pdu := append([]byte(nil), s.rxBuf[:total]...)
	s.rxBuf = s.rxBuf[total:]
	return pdu, true
}

func (s *Session) onPDU(pdu []byte) {
	switch pdu[0] & 0x3f {
	case opLoginRsp:
		s.onLoginResponse(pdu)
	case opSCSIResponse:
		s.onSCSIResponse(pdu)
	case opSCSIDataIn:
		s.onDataIn(pdu)
	}
}

func (s *Session) onLoginResponse(pdu []byte) {
	resp, data, err := parseLoginResponse(pdu)
	if err != nil {
		s.fail(err)
		return
	}
	if resp.statusClass != 0 {
		s.fail(errno.New(errno.Protocol, "iscsi: login rejected"))
		return
	}
	s.expStatSN = resp.statSN + 1
	s.maxCmdSN = resp.maxCmdSN

	kv := parseKV(data)

	switch resp.csg {
	case csgSecurityNegotiation:
		if chapC, ok := kv["CHAP_C"]; ok {
			challenge, derr := decodeCHAPChallenge(chapC)
			if derr != nil {
				s.fail(derr)
				return
			}
			s.chapChallenge = challenge
			s.sendCHAPResponse()
			return
		}
		if resp.transit && resp.nsg == csgLoginOperational {
			s.phase = phaseOperational
			s.sendOperationalNegotiation()
		}
	case csgLoginOperational:
		if n, ok := kv["MaxRecvDataSegmentLength"]; ok {
			if v, perr := parseUint32(n); perr == nil {
				s.MaxRecvDataSegmentLength = v
			}
		}
		if resp.transit && resp.nsg == csgFullFeaturePhase {
			s.phase = phaseFull
			select {
			case s.established <- struct{}{}:
			default:
			}
		}
	}
}

func parseUint32(s string) (uint32, error) {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errno.New(errno.Protocol, "iscsi: malformed integer key value")
		}
		v = v*10 + uint64(c-'0')
	}
	return uint32(v), nil
}

// ReadCapacity16 issues a SCSI READ CAPACITY (16) command, delivering
// the logical block length and block count to cb.
func (s *Session) ReadCapacity16(lun uint64, cb func(blockLen uint32, numBlocks uint64, err error)) {
	itt := s.nextITT()
	s.readCap[itt] = cb
	cdb := buildCDBReadCapacity16()
	s.send(buildSCSICommand(lun, itt, s.cmdSN, s.expStatSN, cdb, true, 32))
	s.cmdSN++
}

// Read16 issues a SCSI READ (16) for count logical blocks starting at
// lba, stitching Data-In segments into buf (spec.md §4.12: "Data-In
// PDUs are stitched into the caller's buffer by offset"). buf must be
// at least count*blockLen bytes.
func (s *Session) Read16(lun, lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
	itt := s.nextITT()
	s.pending[itt] = &pendingRead{buf: buf, done: done}
	cdb := buildCDBRead16(lba, count)
	s.send(buildSCSICommand(lun, itt, s.cmdSN, s.expStatSN, cdb, true, count*blockLen))
	s.cmdSN++
}

func (s *Session) onSCSIResponse(pdu []byte) {
	resp, _, err := parseSCSIResponse(pdu)
	if err != nil {
		s.fail(err)
		return
	}
	s.expStatSN = resp.statSN + 1
	s.maxCmdSN = resp.maxCmdSN

	if cb, ok := s.readCap[resp.itt]; ok {
		delete(s.readCap, resp.itt)
		if resp.status != 0 {
			cb(0, 0, errno.New(errno.Protocol, "iscsi: READ CAPACITY failed"))
		}
		return
	}
	if p, ok := s.pending[resp.itt]; ok {
		delete(s.pending, resp.itt)
		if resp.status != 0 {
			p.done(errno.New(errno.Protocol, "iscsi: READ failed"))
		} else {
			p.done(nil)
		}
	}
}

func (s *Session) onDataIn(pdu []byte) {
	d, data, err := parseDataIn(pdu)
	if err != nil {
		s.fail(err)
		return
	}
	if d.statusValid {
		s.expStatSN++
	}

	if cb, ok := s.readCap[d.itt]; ok {
		if len(data) >= 12 {
			numBlocks := binary.BigEndian.Uint64(data[0:8])
			blockLen := binary.BigEndian.Uint32(data[8:12])
			delete(s.readCap, d.itt)
			cb(blockLen, numBlocks+1, nil)
		}
		return
	}

	if p, ok := s.pending[d.itt]; ok {
		end := int(d.bufferOffset) + len(data)
		if end <= len(p.buf) {
			copy(p.buf[d.bufferOffset:end], data)
		}
		if d.final {
			delete(s.pending, d.itt)
			p.done(nil)
		}
	}
}
