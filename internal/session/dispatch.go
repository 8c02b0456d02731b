package session

import (
	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpc-sim/internal/gtpc"
	"gtpc-sim/internal/network"
	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
)

// Dispatcher routes inbound datagrams to their owning session: by local
// TEID when the header carries one, by IMSI for TEID-less initial requests.
// When this node is the responder, an initial Create Session Request for an
// unknown IMSI creates the session.
type Dispatcher struct {
	reg *Registry
	mgr *sched.Mgr
	tr  Transport
	scn *scenario.Scenario

	dropped uint64
}

// NewDispatcher wires the dispatcher; install Handle as the transport's
// inbound handler.
func NewDispatcher(reg *Registry, mgr *sched.Mgr, tr Transport, scn *scenario.Scenario) *Dispatcher {
	return &Dispatcher{reg: reg, mgr: mgr, tr: tr, scn: scn}
}

// Handle resolves one datagram and enqueues it as the owning session's next
// run argument. Unresolvable datagrams are counted and dropped; a malformed
// datagram never terminates anything.
func (d *Dispatcher) Handle(dg network.Datagram) {
	msg, err := gtpc.Decode(dg.Data)
	if err != nil {
		d.drop("decode failed", err)
		return
	}

	var s *UeSession
	if msg.Hdr.HasTEID && msg.Hdr.TEID != 0 {
		s = d.reg.SessionByTEID(msg.Hdr.TEID)
		if s == nil {
			d.drop("no tunnel for TEID", nil)
			return
		}
	} else {
		imsi, err := msg.IMSI()
		if err != nil {
			d.drop("initial request without IMSI", err)
			return
		}
		key, err := ImsiKeyFromString(imsi)
		if err != nil {
			d.drop("bad IMSI", err)
			return
		}
		s = d.reg.SessionByIMSI(key)
		if s == nil {
			if d.scn.Originator() || msg.Hdr.Type != message.MsgTypeCreateSessionRequest {
				d.drop("no session for IMSI", nil)
				return
			}
			s = CreateSession(d.reg, d.mgr, d.tr, d.scn, key)
			s.peerEp = dg.Peer
		}
	}

	s.task.Deliver(&inbound{msg: msg, connID: dg.ConnID, peer: dg.Peer})
}

// Dropped returns the number of datagrams that could not be resolved.
func (d *Dispatcher) Dropped() uint64 { return d.dropped }

func (d *Dispatcher) drop(reason string, err error) {
	d.dropped++
	log.WithError(err).WithField("reason", reason).Debug("Dropped inbound datagram")
}
