package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpc-sim/internal/gtpc"
	"gtpc-sim/internal/network"
	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
	"gtpc-sim/internal/stats"
)

const attachYAML = `
name: attach
interface: s11
jobs:
  - send: create-session-request
  - recv: create-session-response
  - send: modify-bearer-request
  - recv: modify-bearer-response
  - wait: 500
  - send: delete-session-request
  - recv: delete-session-response
`

const responderYAML = `
name: responder
interface: s11
jobs:
  - recv: create-session-request
  - send: create-session-response
  - recv: modify-bearer-request
  - send: modify-bearer-response
`

const dualPdnYAML = `
name: dual-pdn
interface: s11
jobs:
  - send: create-session-request
  - recv: create-session-response
  - send: create-session-request
  - recv: create-session-response
`

type sentRecord struct {
	connID int
	dst    *net.UDPAddr
	data   []byte
}

type fakeTransport struct {
	sent []sentRecord
}

func (f *fakeTransport) Send(connID int, dst *net.UDPAddr, buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)
	f.sent = append(f.sent, sentRecord{connID: connID, dst: dst, data: data})
	return nil
}

type harness struct {
	t     *testing.T
	clock *sched.FakeClock
	mgr   *sched.Mgr
	reg   *Registry
	tr    *fakeTransport
	scn   *scenario.Scenario
	disp  *Dispatcher
	st    *stats.Collector
	peer  *net.UDPAddr
}

func newHarness(t *testing.T, scnYAML, nodeType string) *harness {
	t.Helper()

	scn, err := scenario.Parse([]byte(scnYAML), nodeType)
	require.NoError(t, err)

	clock := sched.NewFakeClock(1_000_000)
	st := stats.NewCollector()
	teids := NewTEIDAllocator("sequential", 1)
	imsis, err := NewIMSIAllocator("001010000000001")
	require.NoError(t, err)

	peer := &net.UDPAddr{IP: net.ParseIP("198.51.100.10"), Port: 2123}
	reg := NewRegistry(Params{
		LocalIP:    net.ParseIP("192.0.2.1"),
		NodeType:   nodeType,
		RemoteEp:   peer,
		T3Ms:       1000,
		N3:         3,
		DeadCallMs: 2000,
	}, clock, st, teids, imsis)

	mgr := sched.NewMgr(clock, 4096)
	tr := &fakeTransport{}
	disp := NewDispatcher(reg, mgr, tr, scn)

	return &harness{
		t:     t,
		clock: clock,
		mgr:   mgr,
		reg:   reg,
		tr:    tr,
		scn:   scn,
		disp:  disp,
		st:    st,
		peer:  peer,
	}
}

func (h *harness) tick(advanceMs sched.Time) {
	h.t.Helper()
	h.clock.Advance(advanceMs)
	h.mgr.Wake(h.clock.NowMs())
	require.NoError(h.t, h.mgr.Drain())
}

func (h *harness) deliver(data []byte) {
	h.disp.Handle(network.Datagram{ConnID: 0, Peer: h.peer, Data: data})
}

func (h *harness) sentMsg(n int) *gtpc.Message {
	h.t.Helper()
	require.Greater(h.t, len(h.tr.sent), n)
	m, err := gtpc.Decode(h.tr.sent[n].data)
	require.NoError(h.t, err)
	return m
}

func mustTEID(t *testing.T, fteid *ie.IE) uint32 {
	t.Helper()
	require.NotNil(t, fteid)
	teid, err := fteid.TEID()
	require.NoError(t, err)
	return teid
}

func (h *harness) marshal(m *gtpc.Message) []byte {
	h.t.Helper()
	b, err := m.Marshal()
	require.NoError(h.t, err)
	return b
}

// buildCSRsp crafts a peer Create Session Response for the given request.
func (h *harness) buildCSRsp(seq, dstTEID, peerCTEID uint32) []byte {
	m := &gtpc.Message{Hdr: gtpc.Header{
		Type: message.MsgTypeCreateSessionResponse, HasTEID: true, TEID: dstTEID, Sequence: seq,
	}}
	bc := ie.NewBearerContext(
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		ie.NewEPSBearerID(5),
		ie.NewFullyQualifiedTEID(gtpv2.IFTypeS1USGWGTPU, 0x4444, "198.51.100.10", ""),
	)
	bc.SetInstance(0)
	m.IEs = append(m.IEs,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		ie.NewFullyQualifiedTEID(gtpv2.IFTypeS11S4SGWGTPC, peerCTEID, "198.51.100.10", ""),
		bc,
	)
	return h.marshal(m)
}

// buildRsp crafts a bare peer response carrying only a Cause.
func (h *harness) buildRsp(msgType uint8, seq, dstTEID uint32) []byte {
	m := &gtpc.Message{Hdr: gtpc.Header{Type: msgType, HasTEID: true, TEID: dstTEID, Sequence: seq}}
	m.IEs = append(m.IEs, ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil))
	return h.marshal(m)
}

// buildCSReq crafts a peer-originated initial Create Session Request.
func (h *harness) buildCSReq(imsi string, seq, peerCTEID uint32) []byte {
	m := &gtpc.Message{Hdr: gtpc.Header{
		Type: message.MsgTypeCreateSessionRequest, HasTEID: true, TEID: 0, Sequence: seq,
	}}
	bc := ie.NewBearerContext(
		ie.NewEPSBearerID(5),
		ie.NewBearerQoS(0, 9, 0, 9, 0, 0, 0, 0),
	)
	bc.SetInstance(0)
	m.IEs = append(m.IEs,
		ie.NewIMSI(imsi),
		ie.NewAccessPointName("internet"),
		ie.NewRATType(6),
		ie.NewPDNType(1),
		ie.NewFullyQualifiedTEID(gtpv2.IFTypeS11MMEGTPC, peerCTEID, "198.51.100.10", ""),
		bc,
	)
	return h.marshal(m)
}

func (h *harness) newSession(imsi string) *UeSession {
	h.t.Helper()
	key, err := ImsiKeyFromString(imsi)
	require.NoError(h.t, err)
	return CreateSession(h.reg, h.mgr, h.tr, h.scn, key)
}

// S1: full attach flow as MME, every response delivered promptly.
func TestSession_HappyPathMME(t *testing.T) {
	h := newHarness(t, attachYAML, "mme")
	s := h.newSession("001010000000001")

	h.tick(0) // sends CS-Req
	csReq := h.sentMsg(0)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), csReq.Hdr.Type)
	localTEID := mustTEID(t, csReq.SenderFTEID())
	assert.True(t, s.Waiting())
	assert.True(t, s.SentBuffered())

	h.deliver(h.buildCSRsp(csReq.Hdr.Sequence, localTEID, 0x9999))
	h.tick(0) // consumes CS-Rsp
	assert.False(t, s.Waiting())

	h.tick(0) // sends MB-Req
	mbReq := h.sentMsg(1)
	assert.Equal(t, uint8(message.MsgTypeModifyBearerRequest), mbReq.Hdr.Type)
	assert.Equal(t, uint32(0x9999), mbReq.Hdr.TEID, "requests carry the peer's C-TEID")
	assert.Greater(t, mbReq.Hdr.Sequence, csReq.Hdr.Sequence, "outbound sequences strictly increase")

	h.deliver(h.buildRsp(message.MsgTypeModifyBearerResponse, mbReq.Hdr.Sequence, localTEID))
	h.tick(0) // consumes MB-Rsp
	h.tick(0) // wait job parks the session

	h.tick(500) // wait over, sends DS-Req
	dsReq := h.sentMsg(2)
	assert.Equal(t, uint8(message.MsgTypeDeleteSessionRequest), dsReq.Hdr.Type)

	h.deliver(h.buildRsp(message.MsgTypeDeleteSessionResponse, dsReq.Hdr.Sequence, localTEID))
	h.tick(0)

	assert.True(t, s.Complete())
	assert.Len(t, h.tr.sent, 3)
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumSnd)
	assert.Equal(t, uint64(1), h.scn.Jobs[1].NumRcv)
	assert.Equal(t, uint64(1), h.scn.Jobs[2].NumSnd)
	assert.Equal(t, uint64(1), h.scn.Jobs[3].NumRcv)
	assert.Equal(t, uint64(1), h.scn.Jobs[5].NumSnd)
	assert.Equal(t, uint64(1), h.scn.Jobs[6].NumRcv)
	for _, j := range h.scn.Jobs {
		assert.Zero(t, j.NumSndRetrans, j.MsgName)
		assert.Zero(t, j.NumRcvRetrans, j.MsgName)
		assert.Zero(t, j.NumTimeout, j.MsgName)
		assert.Zero(t, j.NumUnexp, j.MsgName)
	}
	assert.Equal(t, uint64(1), h.st.Get(stats.SessionsCreated))
	assert.Equal(t, uint64(1), h.st.Get(stats.SessionsSucc))
	assert.Zero(t, h.st.Get(stats.SessionsFail))
	assert.Equal(t, uint64(1), h.st.Get(stats.DeadCalls))

	// dead-call grace expires, the session is deleted
	h.tick(2001)
	assert.Equal(t, 0, h.reg.SessionCount())
	assert.Zero(t, h.st.Get(stats.DeadCalls))
	assert.Zero(t, h.reg.teids.AllocatedCount(), "tunnels and bearers released")
}

// S2: the first CS-Rsp is lost; one retransmission, then success.
func TestSession_SingleRetransmitThenSuccess(t *testing.T) {
	h := newHarness(t, attachYAML, "mme")
	s := h.newSession("001010000000001")

	h.tick(0) // CS-Req
	csReq := h.sentMsg(0)
	localTEID := mustTEID(t, csReq.SenderFTEID())

	h.tick(1000) // T3 fires, retransmit
	assert.Len(t, h.tr.sent, 2)
	assert.Equal(t, h.tr.sent[0].data, h.tr.sent[1].data, "retransmission resends the stored buffer")
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumSndRetrans)
	assert.Equal(t, 1, s.RetryCount())

	h.deliver(h.buildCSRsp(csReq.Hdr.Sequence, localTEID, 0x9999))
	h.tick(0)
	assert.False(t, s.Waiting())
	assert.Equal(t, 0, s.RetryCount(), "retry budget resets per procedure")
	assert.Equal(t, uint64(1), h.scn.Jobs[1].NumRcv)
}

// S3: every CS-Rsp lost; N3 exhausted, session fails and is removed after
// the dead-call wait.
func TestSession_N3Exhausted(t *testing.T) {
	h := newHarness(t, attachYAML, "mme")
	s := h.newSession("001010000000001")

	h.tick(0) // initial send
	for i := 0; i < 3; i++ {
		h.tick(1000)
		assert.LessOrEqual(t, s.RetryCount(), 3)
	}
	assert.Equal(t, uint64(3), h.scn.Jobs[0].NumSndRetrans)
	assert.False(t, s.Complete())

	h.tick(1000) // retry budget exhausted
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumSnd)
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumTimeout)
	assert.Equal(t, uint64(1), h.st.Get(stats.SessionsFail))
	assert.True(t, s.Complete())
	assert.Equal(t, 1, h.reg.SessionCount())

	h.tick(2001)
	assert.Equal(t, 0, h.reg.SessionCount())

	created := h.st.Get(stats.SessionsCreated)
	assert.Equal(t, created, h.st.Get(stats.SessionsSucc)+h.st.Get(stats.SessionsFail))
}

// S4: duplicate inbound request as SGW responder; the stored reply is
// retransmitted and the state machine advances exactly once.
func TestSession_DuplicateInboundRequest(t *testing.T) {
	h := newHarness(t, responderYAML, "sgw")

	csReq := h.buildCSReq("001010123456789", 5, 0xAAAA)
	h.deliver(csReq)
	require.Equal(t, 1, h.reg.SessionCount(), "inbound CS-Req creates the session")

	h.tick(0) // processes the request, sends CS-Rsp in the same tick
	require.Len(t, h.tr.sent, 1)
	rsp := h.sentMsg(0)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionResponse), rsp.Hdr.Type)
	assert.Equal(t, uint32(5), rsp.Hdr.Sequence)
	assert.Equal(t, uint32(0xAAAA), rsp.Hdr.TEID)

	key, _ := ImsiKeyFromString("001010123456789")
	s := h.reg.SessionByIMSI(key)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.JobIndex())

	// identical duplicate
	h.deliver(csReq)
	h.tick(0)
	assert.Len(t, h.tr.sent, 2)
	assert.Equal(t, h.tr.sent[0].data, h.tr.sent[1].data)
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumRcv)
	assert.Equal(t, uint64(1), h.scn.Jobs[0].NumRcvRetrans)
	assert.Equal(t, 2, s.JobIndex(), "duplicate does not advance the state machine")
}

// S5: an unscripted Create Bearer Request mid-flow is counted as unexpected
// and the scenario still completes.
func TestSession_UnexpectedMessage(t *testing.T) {
	h := newHarness(t, attachYAML, "mme")
	s := h.newSession("001010000000001")

	h.tick(0)
	csReq := h.sentMsg(0)
	localTEID := mustTEID(t, csReq.SenderFTEID())
	h.deliver(h.buildCSRsp(csReq.Hdr.Sequence, localTEID, 0x9999))
	h.tick(0)

	// not part of the script
	cbReq := &gtpc.Message{Hdr: gtpc.Header{
		Type: message.MsgTypeCreateBearerRequest, HasTEID: true, TEID: localTEID, Sequence: 99,
	}}
	cbReq.IEs = append(cbReq.IEs, ie.NewEPSBearerID(5))
	idxBefore := s.JobIndex()
	h.deliver(h.marshal(cbReq))
	h.tick(0)
	assert.Equal(t, uint64(1), h.scn.Jobs[idxBefore].NumUnexp)
	assert.Equal(t, idxBefore, s.JobIndex(), "unexpected message causes no transition")

	// flow continues to completion
	h.tick(0)
	mbReq := h.sentMsg(1)
	h.deliver(h.buildRsp(message.MsgTypeModifyBearerResponse, mbReq.Hdr.Sequence, localTEID))
	h.tick(0)
	h.tick(0)
	h.tick(500)
	dsReq := h.sentMsg(2)
	h.deliver(h.buildRsp(message.MsgTypeDeleteSessionResponse, dsReq.Hdr.Sequence, localTEID))
	h.tick(0)
	assert.True(t, s.Complete())
	assert.Equal(t, uint64(1), h.st.Get(stats.SessionsSucc))
}

// S6: two PDNs over S11 share one control tunnel via refcount; tunnel freed
// exactly once on session destruction.
func TestSession_S11TunnelSharing(t *testing.T) {
	h := newHarness(t, dualPdnYAML, "mme")
	s := h.newSession("001010000000001")

	h.tick(0) // first CS-Req
	cs1 := h.sentMsg(0)
	teid1 := mustTEID(t, cs1.SenderFTEID())
	h.deliver(h.buildCSRsp(cs1.Hdr.Sequence, teid1, 0x9999))
	h.tick(0)

	h.tick(0) // second CS-Req
	cs2 := h.sentMsg(1)
	teid2 := mustTEID(t, cs2.SenderFTEID())
	assert.Equal(t, teid1, teid2, "S11 shares one C-tunnel across PDNs")

	h.deliver(h.buildCSRsp(cs2.Hdr.Sequence, teid2, 0x9999))
	h.tick(0)
	assert.True(t, s.Complete())

	require.Len(t, s.Pdns(), 2)
	ct := s.Pdns()[0].CTun
	assert.Same(t, ct, s.Pdns()[1].CTun)
	assert.Equal(t, 2, ct.RefCount())

	h.tick(2001) // dead-call expiry destroys the session
	assert.Equal(t, 0, h.reg.SessionCount())
	assert.Nil(t, h.reg.CTunByTEID(teid1))
	assert.Zero(t, h.reg.teids.AllocatedCount())
}

// Dead-call grace: a late duplicate request is still answered, a late
// duplicate response only counts.
func TestSession_DeadCallAnswersDuplicates(t *testing.T) {
	h := newHarness(t, responderYAML, "sgw")

	csReq := h.buildCSReq("001010123456789", 5, 0xAAAA)
	h.deliver(csReq)
	h.tick(0)
	mbReq := &gtpc.Message{Hdr: gtpc.Header{
		Type: message.MsgTypeModifyBearerRequest, HasTEID: true, Sequence: 6,
	}}
	rsp := h.sentMsg(0)
	mbReq.SetTEID(mustTEID(t, rsp.SenderFTEID()))
	mbReq.IEs = append(mbReq.IEs, ie.NewEPSBearerID(5))
	h.deliver(h.marshal(mbReq))
	h.tick(0)

	key, _ := ImsiKeyFromString("001010123456789")
	s := h.reg.SessionByIMSI(key)
	require.NotNil(t, s)
	require.True(t, s.Complete())
	sentBefore := len(h.tr.sent)

	// duplicate of the last request during the grace period
	h.deliver(h.marshal(mbReq))
	h.tick(0)
	assert.Len(t, h.tr.sent, sentBefore+1, "stored reply retransmitted during dead-call")
	assert.Equal(t, uint64(1), h.scn.Jobs[2].NumRcvRetrans)
	assert.Equal(t, 1, h.reg.SessionCount(), "session still lingers")

	h.tick(2001)
	assert.Equal(t, 0, h.reg.SessionCount())
}

// The TEID-keyed and IMSI-keyed dispatch paths drop what they cannot
// resolve without disturbing any session.
func TestDispatcher_DropsUnresolvable(t *testing.T) {
	h := newHarness(t, attachYAML, "mme")

	// malformed datagram
	h.deliver([]byte{0x48, 0x20, 0x00})
	// unknown TEID
	m := &gtpc.Message{Hdr: gtpc.Header{Type: message.MsgTypeModifyBearerRequest, HasTEID: true, TEID: 0x7777, Sequence: 1}}
	h.deliver(h.marshal(m))
	// initial request while acting as originator
	h.deliver(h.buildCSReq("001010999999999", 1, 0xBBBB))

	assert.Equal(t, uint64(3), h.disp.Dropped())
	assert.Equal(t, 0, h.reg.SessionCount())
}
