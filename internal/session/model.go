package session

import (
	"net"

	log "github.com/sirupsen/logrus"

	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
	"gtpc-sim/internal/stats"
)

// EPS bearer identities run 5..15; the bearer array is indexed by ebi-5.
const (
	minEBI     = 5
	maxEBI     = 15
	maxBearers = maxEBI - minEBI + 1
)

// Transport is the narrow send interface the session layer consumes.
// Connection id 0 is the default outbound socket; nonzero ids identify the
// sockets inbound requests arrived on, to which their responses go back.
type Transport interface {
	Send(connID int, dst *net.UDPAddr, buf []byte) error
}

// UTun is a user-plane tunnel endpoint pair.
type UTun struct {
	LocalTEID  uint32
	RemoteTEID uint32
	LocalIP    net.IP
	PeerEp     *net.UDPAddr
}

// Bearer is a user-plane flow identified by its EBI, owned by a PDN.
type Bearer struct {
	EBI  uint8
	Pdn  *PdnConn
	UTun UTun
}

// CTun is a control-plane tunnel. Its local TEID is the primary dispatch
// key for inbound datagrams. On S11/S4 one CTun is shared across all PDNs
// of a UE, tracked by refCount; everywhere else each PDN owns its own.
type CTun struct {
	LocalTEID  uint32
	RemoteTEID uint32
	LocalIP    net.IP
	PeerEp     *net.UDPAddr

	refCount int
	pdn      *PdnConn
	sess     *UeSession
}

// RefCount returns the number of PDNs bound to this tunnel.
func (c *CTun) RefCount() int { return c.refCount }

// Session returns the owning UE session.
func (c *CTun) Session() *UeSession { return c.sess }

// PdnConn is a packet-data-network connection: one control-plane tunnel
// plus the bearers it binds (a bitmask over EBI).
type PdnConn struct {
	CTun       *CTun
	BearerMask uint16
}

// procRecord captures one request/response exchange. A session keeps the
// current and the previous record; the previous one answers duplicate
// requests and attributes their counters to the job that authored the
// exchange.
type procRecord struct {
	connID  int
	seq     uint32
	reqType uint8
	rspType uint8
	job     *scenario.Job
	sentMsg *sentBuf
}

// sentBuf is an encoded datagram retained for retransmission.
type sentBuf struct {
	connID int
	peer   *net.UDPAddr
	data   []byte
}

// Params carries the registry-wide configuration distilled from the config
// file.
type Params struct {
	LocalIP    net.IP
	NodeType   string
	RemoteEp   *net.UDPAddr
	T3Ms       sched.Time
	N3         int
	DeadCallMs sched.Time
}

// peerSeq tracks sequence-number state per remote endpoint: the last
// sequence this node sent to the peer and the last one received from it.
type peerSeq struct {
	lastSent uint32
	lastRcvd uint32
}

// Registry is the shared session state: the IMSI and TEID indexes, per-peer
// sequence numbers and the TEID allocator. It is passed through the
// scheduler rather than living as a process-wide singleton, and is mutated
// only from the scheduler goroutine, so it carries no locks. Session
// deletion removes the IMSI and TEID entries together, before any further
// inbound delivery can observe the session.
type Registry struct {
	cfg      Params
	clock    sched.Clock
	stats    *stats.Collector
	teids    *TEIDAllocator
	imsis    *IMSIAllocator
	sessions map[ImsiKey]*UeSession
	ctuns    map[uint32]*CTun
	peers    map[string]*peerSeq

	nextSessionID uint32
}

// NewRegistry builds the registry. The IMSI allocator may be nil when the
// node only answers inbound-created sessions.
func NewRegistry(p Params, clock sched.Clock, st *stats.Collector, teids *TEIDAllocator, imsis *IMSIAllocator) *Registry {
	return &Registry{
		cfg:      p,
		clock:    clock,
		stats:    st,
		teids:    teids,
		imsis:    imsis,
		sessions: make(map[ImsiKey]*UeSession),
		ctuns:    make(map[uint32]*CTun),
		peers:    make(map[string]*peerSeq),
	}
}

// SessionByIMSI returns the session bound to the key, or nil.
func (r *Registry) SessionByIMSI(key ImsiKey) *UeSession {
	return r.sessions[key]
}

// SessionByTEID resolves a session through the control-tunnel index.
func (r *Registry) SessionByTEID(teid uint32) *UeSession {
	if ct, ok := r.ctuns[teid]; ok {
		return ct.sess
	}
	return nil
}

// CTunByTEID returns the control tunnel with the given local TEID, or nil.
func (r *Registry) CTunByTEID(teid uint32) *CTun {
	return r.ctuns[teid]
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int { return len(r.sessions) }

// Stats exposes the counter store.
func (r *Registry) Stats() *stats.Collector { return r.stats }

func (r *Registry) peerState(ep *net.UDPAddr) *peerSeq {
	key := ep.String()
	p, ok := r.peers[key]
	if !ok {
		p = &peerSeq{}
		r.peers[key] = p
	}
	return p
}

// nextSeq mints the next outbound request sequence number for a peer.
// Sequence numbers are 24-bit and strictly increasing per peer.
func (r *Registry) nextSeq(ep *net.UDPAddr) uint32 {
	p := r.peerState(ep)
	p.lastSent++
	if p.lastSent > 0x00FFFFFF {
		p.lastSent = 1
	}
	return p.lastSent
}

// notePeerSeq records the sequence of an inbound request from a peer.
func (r *Registry) notePeerSeq(ep *net.UDPAddr, seq uint32) {
	r.peerState(ep).lastRcvd = seq
}

// createCTun returns the control tunnel for a new PDN. Over S11/S4 the
// UE's existing tunnel is shared and its refcount incremented; otherwise a
// fresh tunnel with a newly minted local TEID is created and indexed.
func (r *Registry) createCTun(s *UeSession, pdn *PdnConn) (*CTun, error) {
	if s.scn.SharedCTun {
		if ct := s.existingCTun(); ct != nil {
			ct.refCount++
			return ct, nil
		}
	}

	teid, err := r.teids.Allocate()
	if err != nil {
		return nil, err
	}
	ct := &CTun{
		LocalTEID: teid,
		LocalIP:   r.cfg.LocalIP,
		PeerEp:    s.peerEp,
		refCount:  1,
		pdn:       pdn,
		sess:      s,
	}
	r.ctuns[teid] = ct

	log.WithFields(log.Fields{
		"session":    s.id,
		"local_teid": teid,
	}).Debug("Created GTP-C tunnel")
	return ct, nil
}

// releaseCTun drops one PDN reference; the tunnel and its index entry are
// freed when the count reaches zero.
func (r *Registry) releaseCTun(ct *CTun) {
	ct.refCount--
	if ct.refCount > 0 {
		return
	}
	delete(r.ctuns, ct.LocalTEID)
	r.teids.Release(ct.LocalTEID)
}
