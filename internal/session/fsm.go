package session

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpc-sim/internal/gtpc"
	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
	"gtpc-sim/internal/stats"
)

// inbound is the run argument carrying one parsed datagram to a session.
type inbound struct {
	msg    *gtpc.Message
	connID int
	peer   *net.UDPAddr
}

// UeSession is one simulated subscriber stepping through the scenario. It
// is a cooperative task: Run advances the state machine by a single step
// and parks the task again via pause/stop.
type UeSession struct {
	reg  *Registry
	scn  *scenario.Scenario
	tr   Transport
	task *sched.Task

	id   uint32
	imsi ImsiKey

	idx int
	cur *scenario.Job

	waiting  bool // a request is out, response pending
	complete bool // scenario finished, dead-call grace running
	failed   bool
	counted  bool // reflected in the sessions-created counter

	curProc     procRecord
	prevProc    procRecord
	currReqType uint8

	pdns    []*PdnConn
	currPdn *PdnConn
	bearers [maxBearers]*Bearer

	peerEp       *net.UDPAddr
	t3           sched.Time
	n3           int
	retryCnt     int
	deadCallWait sched.Time
	deadWake     sched.Time
	lastRun      sched.Time
}

// CreateSession builds a UE session bound to imsi and registers it as a
// running task; the first run happens on the next scheduler tick.
func CreateSession(reg *Registry, mgr *sched.Mgr, tr Transport, scn *scenario.Scenario, imsi ImsiKey) *UeSession {
	reg.nextSessionID++
	s := &UeSession{
		reg:          reg,
		scn:          scn,
		tr:           tr,
		id:           reg.nextSessionID,
		imsi:         imsi,
		cur:          scn.Jobs[0],
		peerEp:       reg.cfg.RemoteEp,
		t3:           reg.cfg.T3Ms,
		n3:           reg.cfg.N3,
		deadCallWait: reg.cfg.DeadCallMs,
	}
	reg.sessions[imsi] = s
	s.task = mgr.NewTask(s)

	log.WithFields(log.Fields{
		"session": s.id,
		"imsi":    imsi.String(),
	}).Debug("Created UE session")
	return s
}

// Task exposes the scheduling handle.
func (s *UeSession) Task() *sched.Task { return s.task }

// IMSI returns the session key.
func (s *UeSession) IMSI() ImsiKey { return s.imsi }

// Pdns returns the session's PDN connections.
func (s *UeSession) Pdns() []*PdnConn { return s.pdns }

// Waiting reports whether a request is outstanding.
func (s *UeSession) Waiting() bool { return s.waiting }

// Complete reports whether the scenario has finished for this session.
func (s *UeSession) Complete() bool { return s.complete }

// JobIndex returns the current position in the flattened job sequence.
func (s *UeSession) JobIndex() int { return s.idx }

// RetryCount returns the current retransmission count.
func (s *UeSession) RetryCount() int { return s.retryCnt }

// SentBuffered reports whether the current procedure retains a sent request.
func (s *UeSession) SentBuffered() bool { return s.curProc.sentMsg != nil }

// Run advances the session by one step. done reports the session is over
// and its task must be destroyed; a non-nil error is fatal to the run.
func (s *UeSession) Run(arg any) (bool, error) {
	s.lastRun = s.reg.clock.NowMs()
	return s.step(arg)
}

// step is the dispatch core; inbound-request handling re-enters it
// synchronously so the triggered response leaves in the same tick.
func (s *UeSession) step(arg any) (bool, error) {
	if s.complete {
		return s.handleDeadCall(arg)
	}

	if arg != nil {
		in, ok := arg.(*inbound)
		if !ok {
			return false, fmt.Errorf("session %d: unexpected run argument %T", s.id, arg)
		}
		return s.handleRecv(in)
	}

	switch s.cur.Type {
	case scenario.JobSend:
		return s.handleSend()
	case scenario.JobWait:
		return s.handleWait()
	default:
		// A recv job never runs on a timer; park unchanged.
		s.task.Pause(s.task.WakeTime())
		return false, nil
	}
}

func (s *UeSession) handleSend() (bool, error) {
	if s.waiting {
		return s.handleReqTimeout()
	}

	tmpl := s.cur.Msg
	if gtpc.MsgCategory(tmpl.Hdr.Type) == gtpc.CatRequest {
		if err := s.sendRequest(tmpl); err != nil {
			return s.terminate(err)
		}
		// the job completes on response or max-retry, not here
		s.task.Pause(s.lastRun + s.t3)
		return false, nil
	}

	if err := s.sendResponse(tmpl); err != nil {
		return s.terminate(err)
	}
	if s.scnDone() {
		s.enterDeadCall(true)
		return false, nil
	}
	// next inbound delivery reactivates the task
	s.task.Stop()
	return false, nil
}

// sendRequest encodes and transmits an initial request on the default
// connection and marks the session as waiting; the caller arms the T3 timer.
func (s *UeSession) sendRequest(tmpl *gtpc.Message) error {
	var pdn *PdnConn
	if tmpl.Hdr.Type == message.MsgTypeCreateSessionRequest {
		s.noteCreated()
		p, err := s.createPdn()
		if err != nil {
			return err
		}
		s.pdns = append(s.pdns, p)
		s.currPdn = p
		pdn = p
	} else {
		pdn = s.currPdn
		if pdn == nil {
			return fmt.Errorf("session %d: %s without a PDN connection", s.id, gtpc.MessageTypeName(tmpl.Hdr.Type))
		}
	}

	if err := s.createBearers(pdn, tmpl); err != nil {
		return err
	}

	s.curProc.seq = s.reg.nextSeq(s.peerEp)
	s.curProc.connID = 0
	s.curProc.reqType = tmpl.Hdr.Type
	s.curProc.job = s.cur
	s.currReqType = tmpl.Hdr.Type

	buf, err := s.encodeOut(pdn, tmpl)
	if err != nil {
		return err
	}
	sb := &sentBuf{connID: 0, peer: s.peerEp, data: buf}
	if err := s.tr.Send(sb.connID, sb.peer, sb.data); err != nil {
		return err
	}
	s.cur.NumSnd++
	s.curProc.sentMsg = sb
	s.waiting = true

	log.WithFields(log.Fields{
		"session": s.id,
		"msg":     gtpc.MessageTypeName(tmpl.Hdr.Type),
		"seq":     s.curProc.seq,
	}).Debug("Sent request")
	return nil
}

// handleReqTimeout runs when the T3 timer fires with the response still
// outstanding.
func (s *UeSession) handleReqTimeout() (bool, error) {
	if s.retryCnt >= s.n3 {
		log.WithFields(log.Fields{
			"session": s.id,
			"msg":     s.cur.MsgName,
			"retries": s.retryCnt,
		}).Warn("Maximum retries reached, aborting session")

		s.cur.NumTimeout++
		s.curProc.sentMsg = nil
		s.waiting = false
		s.enterDeadCall(false)
		return false, nil
	}

	sb := s.curProc.sentMsg
	if err := s.tr.Send(sb.connID, sb.peer, sb.data); err != nil {
		return s.terminate(err)
	}
	s.cur.NumSndRetrans++
	s.retryCnt++
	s.task.Pause(s.lastRun + s.t3)
	return false, nil
}

// sendResponse encodes and transmits a triggered message on the connection
// the matching request arrived on, then advances.
func (s *UeSession) sendResponse(tmpl *gtpc.Message) error {
	pdn := s.currPdn
	if pdn == nil {
		return fmt.Errorf("session %d: %s without a PDN connection", s.id, gtpc.MessageTypeName(tmpl.Hdr.Type))
	}

	buf, err := s.encodeOut(pdn, tmpl)
	if err != nil {
		return err
	}
	sb := &sentBuf{connID: s.curProc.connID, peer: pdn.CTun.PeerEp, data: buf}
	if err := s.tr.Send(sb.connID, sb.peer, sb.data); err != nil {
		return err
	}
	s.cur.NumSnd++

	// retained so a retransmitted request can be answered again
	s.prevProc.sentMsg = sb
	s.prevProc.rspType = tmpl.Hdr.Type

	log.WithFields(log.Fields{
		"session": s.id,
		"msg":     gtpc.MessageTypeName(tmpl.Hdr.Type),
		"seq":     s.curProc.seq,
	}).Debug("Sent response")

	s.advance()
	return nil
}

func (s *UeSession) handleWait() (bool, error) {
	wake := s.lastRun + s.cur.WaitMs
	s.advance()
	if s.scnDone() {
		s.enterDeadCall(true)
		return false, nil
	}
	s.task.Pause(wake)
	return false, nil
}

func (s *UeSession) handleRecv(in *inbound) (bool, error) {
	switch gtpc.MsgCategory(in.msg.Hdr.Type) {
	case gtpc.CatRequest:
		return s.handleIncReq(in)
	case gtpc.CatResponse:
		s.handleIncRsp(in)
	default:
		s.cur.NumUnexp++
	}
	// the task stays running so the scheduler re-evaluates next tick
	return false, nil
}

func (s *UeSession) handleIncReq(in *inbound) (bool, error) {
	msg := in.msg
	switch {
	case s.isExpectedReq(msg):
		s.cur.NumRcv++
	case s.isPrevProcReq(msg):
		s.prevProc.job.NumRcvRetrans++
		if sb := s.prevProc.sentMsg; sb != nil {
			if err := s.tr.Send(sb.connID, sb.peer, sb.data); err != nil {
				return s.terminate(err)
			}
		}
		return false, nil
	default:
		s.cur.NumUnexp++
		return false, nil
	}

	var pdn *PdnConn
	if msg.Hdr.Type == message.MsgTypeCreateSessionRequest {
		s.noteCreated()
		p, err := s.createPdn()
		if err != nil {
			return false, err
		}
		s.pdns = append(s.pdns, p)
		s.currPdn = p
		pdn = p
	} else {
		pdn = s.currPdn
		if pdn == nil {
			s.cur.NumUnexp++
			return false, nil
		}
	}

	s.curProc.connID = in.connID
	s.curProc.seq = msg.Hdr.Sequence
	s.curProc.reqType = msg.Hdr.Type
	s.currReqType = msg.Hdr.Type

	s.reg.notePeerSeq(in.peer, msg.Hdr.Sequence)
	if err := s.applyInbound(pdn, msg, in.peer); err != nil {
		return false, err
	}

	s.prevProc.connID = s.curProc.connID
	s.prevProc.seq = s.curProc.seq
	s.prevProc.reqType = msg.Hdr.Type
	s.prevProc.job = s.cur

	// finish the recv job and send the triggered reply in the same tick
	s.advance()
	return s.step(nil)
}

func (s *UeSession) handleIncRsp(in *inbound) {
	msg := in.msg
	switch {
	case s.isExpectedRsp(msg):
		s.prevProc.connID = in.connID
		s.prevProc.seq = s.curProc.seq
		s.prevProc.reqType = s.currReqType
		s.prevProc.rspType = msg.Hdr.Type
		s.prevProc.job = s.cur
		s.advance() // the request job completes

		s.cur.NumRcv++
		s.applyInboundBestEffort(s.currPdn, msg, in.peer)
		s.waiting = false
		s.retryCnt = 0
		s.curProc.sentMsg = nil
		s.advance() // the recv job completes

		if s.scnDone() {
			s.enterDeadCall(true)
		}
	case s.isPrevProcRsp(msg):
		s.prevProc.job.NumRcvRetrans++
	default:
		s.cur.NumUnexp++
	}
}

// handleDeadCall services the grace period after scenario completion:
// late duplicates are still answered, the timer wake deletes the session.
func (s *UeSession) handleDeadCall(arg any) (bool, error) {
	if arg == nil {
		if s.lastRun >= s.deadWake {
			return true, nil
		}
		s.task.Pause(s.deadWake)
		return false, nil
	}

	in, ok := arg.(*inbound)
	if !ok {
		return false, fmt.Errorf("session %d: unexpected run argument %T", s.id, arg)
	}
	switch gtpc.MsgCategory(in.msg.Hdr.Type) {
	case gtpc.CatRequest:
		if s.isPrevProcReq(in.msg) {
			s.prevProc.job.NumRcvRetrans++
			if sb := s.prevProc.sentMsg; sb != nil {
				if err := s.tr.Send(sb.connID, sb.peer, sb.data); err != nil {
					return true, nil
				}
			}
		}
	case gtpc.CatResponse:
		if s.isPrevProcRsp(in.msg) {
			s.prevProc.job.NumRcvRetrans++
		}
	}
	s.task.Pause(s.deadWake)
	return false, nil
}

func (s *UeSession) isExpectedReq(msg *gtpc.Message) bool {
	return s.cur.Type == scenario.JobRecv &&
		s.cur.MsgType == msg.Hdr.Type &&
		msg.Hdr.Sequence > s.curProc.seq
}

func (s *UeSession) isExpectedRsp(msg *gtpc.Message) bool {
	if s.idx+1 >= len(s.scn.Jobs) {
		return false
	}
	next := s.scn.Jobs[s.idx+1]
	return next.Type == scenario.JobRecv &&
		next.MsgType == msg.Hdr.Type &&
		msg.Hdr.Sequence == s.curProc.seq
}

func (s *UeSession) isPrevProcReq(msg *gtpc.Message) bool {
	return s.idx > 0 &&
		s.prevProc.reqType == msg.Hdr.Type &&
		s.prevProc.seq == msg.Hdr.Sequence
}

func (s *UeSession) isPrevProcRsp(msg *gtpc.Message) bool {
	return s.idx > 0 &&
		s.prevProc.rspType == msg.Hdr.Type &&
		s.prevProc.seq == msg.Hdr.Sequence
}

func (s *UeSession) advance() {
	s.idx++
	if s.idx < len(s.scn.Jobs) {
		s.cur = s.scn.Jobs[s.idx]
	}
}

func (s *UeSession) scnDone() bool {
	return s.idx >= len(s.scn.Jobs)
}

// noteCreated counts the session into sessions-created exactly once, on
// the first Create Session Request, so that at end of run succeeded plus
// failed equals created.
func (s *UeSession) noteCreated() {
	if s.counted {
		return
	}
	s.counted = true
	s.reg.stats.Inc(stats.SessionsCreated)
	s.reg.stats.Inc(stats.SessionsActive)
}

// enterDeadCall transitions to the post-scenario grace period. A session
// that completes its scenario or exhausts N3 ends up here exactly once, as
// succeeded or failed; sessions ended by terminate do not pass through here.
func (s *UeSession) enterDeadCall(succeeded bool) {
	if succeeded {
		s.reg.stats.Inc(stats.SessionsSucc)
	} else {
		s.reg.stats.Inc(stats.SessionsFail)
		s.failed = true
	}
	if s.counted {
		s.reg.stats.Dec(stats.SessionsActive)
	}
	s.reg.stats.Inc(stats.DeadCalls)

	s.complete = true
	s.deadWake = s.lastRun + s.deadCallWait
	s.task.Pause(s.deadWake)

	log.WithFields(log.Fields{
		"session":   s.id,
		"imsi":      s.imsi.String(),
		"succeeded": succeeded,
	}).Debug("Scenario finished, entering dead-call grace")
}

// terminate ends the session on a send or encode error, and on a PDN,
// tunnel or bearer allocation error of an outbound request.
func (s *UeSession) terminate(err error) (bool, error) {
	log.WithError(err).WithField("session", s.id).Error("Terminating session")
	s.cur.NumTimeout++
	s.reg.stats.Inc(stats.SessionsFail)
	if s.counted {
		s.reg.stats.Dec(stats.SessionsActive)
	}
	return true, nil
}

// Close releases everything the session owns: registry entries, tunnels,
// bearers and the IMSI. Invoked by the task manager on destruction.
func (s *UeSession) Close() {
	delete(s.reg.sessions, s.imsi)
	for _, pdn := range s.pdns {
		s.reg.releaseCTun(pdn.CTun)
	}
	for n, b := range s.bearers {
		if b != nil {
			s.reg.teids.Release(b.UTun.LocalTEID)
			s.bearers[n] = nil
		}
	}
	if s.complete {
		s.reg.stats.Dec(stats.DeadCalls)
	}
	if s.reg.imsis != nil {
		s.reg.imsis.Release(s.imsi)
	}

	log.WithFields(log.Fields{
		"session": s.id,
		"imsi":    s.imsi.String(),
	}).Debug("Deleted UE session")
}
