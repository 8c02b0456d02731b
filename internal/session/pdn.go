package session

import (
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpc-sim/internal/gtpc"
)

// createPdn builds a PDN connection and its control tunnel. For an inbound
// Create Session Request an allocation failure here propagates out of Run to
// the scheduler; for an outbound one it terminates the session.
func (s *UeSession) createPdn() (*PdnConn, error) {
	pdn := &PdnConn{}
	ct, err := s.reg.createCTun(s, pdn)
	if err != nil {
		return nil, err
	}
	pdn.CTun = ct
	return pdn, nil
}

// existingCTun returns the control tunnel of the most recent PDN, the one
// shared over S11/S4.
func (s *UeSession) existingCTun() *CTun {
	var ct *CTun
	for _, pdn := range s.pdns {
		ct = pdn.CTun
	}
	return ct
}

// bearer looks a bearer up by EBI.
func (s *UeSession) bearer(ebi uint8) *Bearer {
	if ebi < minEBI || ebi > maxEBI {
		return nil
	}
	return s.bearers[ebi-minEBI]
}

// createBearers mints bearers from the Bearer Context IEs of a
// Create Session Request (template or received), assigning each a local
// user-plane TEID.
func (s *UeSession) createBearers(pdn *PdnConn, msg *gtpc.Message) error {
	if msg.Hdr.Type != message.MsgTypeCreateSessionRequest {
		return nil
	}

	cnt := msg.IECount(ie.BearerContext, 0)
	for i := 1; i <= cnt; i++ {
		bc := msg.IE(ie.BearerContext, 0, i)
		ebi, err := gtpc.BearerContextEBI(bc)
		if err != nil {
			log.WithError(err).WithField("session", s.id).Warn("Skipping malformed bearer context")
			continue
		}
		if ebi < minEBI || ebi > maxEBI {
			log.WithFields(log.Fields{"session": s.id, "ebi": ebi}).Warn("EBI out of range, skipping bearer")
			continue
		}
		if s.bearers[ebi-minEBI] != nil {
			continue
		}

		uteid, err := s.reg.teids.Allocate()
		if err != nil {
			return err
		}
		b := &Bearer{
			EBI: ebi,
			Pdn: pdn,
			UTun: UTun{
				LocalTEID: uteid,
				LocalIP:   s.reg.cfg.LocalIP,
			},
		}
		pdn.BearerMask |= 1 << (ebi - minEBI)
		s.bearers[ebi-minEBI] = b
	}
	return nil
}

// applyInbound decodes a received request into the data model: the peer's
// control F-TEID, the tunnel peer endpoint and, for a Create Session
// Request, the bearers.
func (s *UeSession) applyInbound(pdn *PdnConn, msg *gtpc.Message, peer *net.UDPAddr) error {
	if pdn == nil {
		return nil
	}
	s.storeRemoteFTEID(pdn, msg)
	pdn.CTun.PeerEp = peer

	if msg.Hdr.Type == message.MsgTypeCreateSessionRequest {
		return s.createBearers(pdn, msg)
	}
	return nil
}

// applyInboundBestEffort applies a received response. Decode shortfalls in
// responses are tolerated: a malformed IE never terminates the session.
func (s *UeSession) applyInboundBestEffort(pdn *PdnConn, msg *gtpc.Message, peer *net.UDPAddr) {
	if pdn == nil {
		return
	}
	s.storeRemoteFTEID(pdn, msg)
	pdn.CTun.PeerEp = peer

	// remote GTP-U endpoints from the response's bearer contexts
	cnt := msg.IECount(ie.BearerContext, 0)
	for i := 1; i <= cnt; i++ {
		bc := msg.IE(ie.BearerContext, 0, i)
		ebi, err := gtpc.BearerContextEBI(bc)
		if err != nil {
			continue
		}
		b := s.bearer(ebi)
		if b == nil {
			continue
		}
		if uteid, err := gtpc.BearerContextGTPUTEID(bc); err == nil {
			b.UTun.RemoteTEID = uteid
			b.UTun.PeerEp = peer
		}
	}
}

func (s *UeSession) storeRemoteFTEID(pdn *PdnConn, msg *gtpc.Message) {
	switch msg.Hdr.Type {
	case message.MsgTypeCreateSessionRequest, message.MsgTypeCreateSessionResponse:
		if f := msg.SenderFTEID(); f != nil {
			if teid, err := f.TEID(); err == nil {
				pdn.CTun.RemoteTEID = teid
			}
		}
	}
}

// encodeOut instantiates the job template for the wire: header TEID and
// sequence, IMSI and sender F-TEID where the message carries them, and the
// local GTP-U TEID of every bearer context.
func (s *UeSession) encodeOut(pdn *PdnConn, tmpl *gtpc.Message) ([]byte, error) {
	m, err := tmpl.Clone()
	if err != nil {
		return nil, err
	}

	if m.Hdr.HasTEID {
		m.SetTEID(pdn.CTun.RemoteTEID)
	}
	m.SetSequence(s.curProc.seq)

	switch m.Hdr.Type {
	case message.MsgTypeCreateSessionRequest:
		m.SetIMSI(s.imsi.String())
		if err := m.SetSenderFTEID(s.scn.CtlIfType, pdn.CTun.LocalTEID, pdn.CTun.LocalIP); err != nil {
			return nil, err
		}
	case message.MsgTypeCreateSessionResponse:
		if err := m.SetSenderFTEID(s.scn.CtlIfType, pdn.CTun.LocalTEID, pdn.CTun.LocalIP); err != nil {
			return nil, err
		}
	}

	err = m.RewriteBearerTEIDs(s.scn.UsrIfType, func(ebi uint8) (uint32, net.IP, bool) {
		b := s.bearer(ebi)
		if b == nil {
			return 0, nil, false
		}
		return b.UTun.LocalTEID, b.UTun.LocalIP, true
	})
	if err != nil {
		return nil, err
	}

	return m.Marshal()
}
