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

// Package dns implements the DNS resolver client of spec.md §4.12: a
// single UDP query/response exchange against a configured nameserver,
// CNAME chasing with a recursion limit, and fixed-interval retransmit
// — written as an explicit state machine per spec.md §9's guidance on
// coroutine-shaped control flow rather than a goroutine per lookup.
package dns

import (
	"net"
	"strings"
	"sync/atomic"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/netboot-go/ipxecore/pkg/transport"
)

const (
	ServerPort = 53

	// RecursionLimit bounds CNAME-chasing (spec.md §4.12: "default 32").
	RecursionLimit = 32
)

var idCtr uint32

func nextID() uint16 {
	return uint16(atomic.AddUint32(&idCtr, 1))
}

// Resolver performs DNS lookups against one configured nameserver.
type Resolver struct {
	Dev        *netdev.Device
	Nameserver net.IP
	LocalDomain string // appended to bare (no-dot) names, if set

	conn    *transport.UDPConn
	retry   *timer.RetryTimer
	pending map[uint16]*query
}

type query struct {
	name    string
	wantV6  bool
	depth   int
	result  chan net.IP
	err     chan error
}

// New constructs a Resolver bound to dev, querying server.
func New(dev *netdev.Device, server net.IP) *Resolver {
	r := &Resolver{Dev: dev, Nameserver: server, pending: map[uint16]*query{}}
	r.conn = transport.Open(dev, nil, 0, false)
	r.conn.AttachConsumer(r.onPacket, nil)
	return r
}

// Poll does nothing; Lookup steps its own retry timer while it waits.
func (r *Resolver) Poll() {}

// Lookup resolves name (A or AAAA per wantV6), appending LocalDomain
// if the name is bare and a domain is configured (spec.md §4.12).
// maxSteps/poll drive the scheduler while waiting for a reply.
func (r *Resolver) Lookup(name string, wantV6 bool, maxSteps int, poll func()) (net.IP, error) {
	if !strings.Contains(name, ".") && r.LocalDomain != "" {
		name = name + "." + r.LocalDomain
	}
	id := nextID()
	q := &query{name: name, wantV6: wantV6, result: make(chan net.IP, 1), err: make(chan error, 1)}
	r.pending[id] = q

	rt := timer.New(timer.NewWallClock(), timer.TicksPerSec, timer.TicksPerSec)
	send := func() { _ = r.conn.SendTo(r.Nameserver, ServerPort, buildQuery(id, name, wantV6)) }
	rt.Expired = func(t *timer.RetryTimer, failed bool) {
		if failed {
			delete(r.pending, id)
			q.err <- errno.New(errno.TimedOut, "dns: no response for "+name)
			return
		}
		send()
		t.Start()
	}
	send()
	rt.Start()

	for i := 0; i < maxSteps; i++ {
		select {
		case ip := <-q.result:
			return ip, nil
		case e := <-q.err:
			return nil, e
		default:
		}
		rt.Poll()
		poll()
	}
	delete(r.pending, id)
	return nil, errno.New(errno.TimedOut, "dns: deadline exceeded")
}

// ResolveViaDevice resolves host against the nameserver configured in
// dev's settings block ("dns", appending "domain" for bare names per
// spec.md §4.12), the entry point every URI opener uses instead of
// building its own Resolver. Literal addresses pass through without a
// query, matching the original firmware's habit of never sending a
// DNS lookup for an address the caller already typed.
func ResolveViaDevice(dev *netdev.Device, host string, maxSteps int, poll func()) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if dev == nil {
		return nil, errno.New(errno.InvalidArgument, "dns: no device to resolve "+host)
	}
	v, err := settings.FetchNamed(dev.Settings, "dns")
	if err != nil {
		return nil, errno.New(errno.InvalidArgument, "dns: no nameserver configured")
	}
	server, ok := v.(net.IP)
	if !ok || server == nil {
		return nil, errno.New(errno.InvalidArgument, "dns: no nameserver configured")
	}
	r := New(dev, server)
	defer r.conn.Close()
	if dv, derr := settings.FetchNamed(dev.Settings, "domain"); derr == nil {
		if s, ok := dv.(string); ok {
			r.LocalDomain = s
		}
	}
	return r.Lookup(host, false, maxSteps, poll)
}

func (r *Resolver) onPacket(src net.IP, srcPort uint16, payload []byte) {
	resp, err := parseResponse(payload)
	if err != nil {
		return
	}
	q, ok := r.pending[resp.id]
	if !ok {
		return
	}

	name := resp.queryName
	for depth := 0; depth < RecursionLimit; depth++ {
		found := false
		for _, rr := range resp.answers {
			if !strings.EqualFold(rr.name, name) {
				continue
			}
			if rr.addr != nil {
				delete(r.pending, resp.id)
				q.result <- rr.addr
				return
			}
			if rr.cname != "" {
				name = rr.cname
				found = true
			}
		}
		if !found {
			break
		}
	}
	delete(r.pending, resp.id)
	q.err <- errno.New(errno.NoSuchEntity, "dns: no A/AAAA record for "+resp.queryName)
}

// fqdn appends the trailing dot dnsmessage names require.
func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// buildQuery encodes a standard recursive query (RFC 1035 §4.1) via
// the x/net wire codec.
func buildQuery(id uint16, name string, wantV6 bool) []byte {
	qtype := dnsmessage.TypeA
	if wantV6 {
		qtype = dnsmessage.TypeAAAA
	}
	n, err := dnsmessage.NewName(fqdn(name))
	if err != nil {
		return nil
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  n,
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	b, err := msg.Pack()
	if err != nil {
		return nil
	}
	return b
}

type resourceRecord struct {
	name  string
	addr  net.IP
	cname string
}

type response struct {
	id        uint16
	queryName string
	answers   []resourceRecord
}

// parseResponse decodes the header, question, and answer sections
// (compression pointers included) via the x/net wire codec, keeping
// only the record types the resolver chases: A, AAAA, CNAME.
func parseResponse(b []byte) (*response, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(b)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	resp := &response{id: hdr.ID}

	questions, err := p.AllQuestions()
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	if len(questions) > 0 {
		resp.queryName = strings.TrimSuffix(questions[0].Name.String(), ".")
	}

	answers, err := p.AllAnswers()
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	for _, a := range answers {
		rr := resourceRecord{name: strings.TrimSuffix(a.Header.Name.String(), ".")}
		switch body := a.Body.(type) {
		case *dnsmessage.AResource:
			rr.addr = net.IP(append([]byte(nil), body.A[:]...))
		case *dnsmessage.AAAAResource:
			rr.addr = net.IP(append([]byte(nil), body.AAAA[:]...))
		case *dnsmessage.CNAMEResource:
			rr.cname = strings.TrimSuffix(body.CNAME.String(), ".")
		default:
			continue
		}
		resp.answers = append(resp.answers, rr)
	}
	return resp, nil
}
