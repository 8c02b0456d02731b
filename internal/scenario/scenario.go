package scenario

import (
	"fmt"

	"github.com/wmnsk/go-gtp/gtpv2"

	"gtpc-sim/internal/gtpc"
)

// JobType is the kind of one scenario step.
type JobType uint8

const (
	JobSend JobType = iota + 1
	JobRecv
	JobWait
)

func (t JobType) String() string {
	switch t {
	case JobSend:
		return "send"
	case JobRecv:
		return "recv"
	case JobWait:
		return "wait"
	default:
		return "invalid"
	}
}

// Job is one step of the flattened scenario. The counters aggregate over
// every session running the scenario; they are only touched from the
// scheduler goroutine.
type Job struct {
	Type    JobType
	MsgType uint8
	MsgName string
	Msg     *gtpc.Message // template; nil for wait jobs
	WaitMs  int64

	NumSnd        uint64
	NumSndRetrans uint64
	NumRcv        uint64
	NumRcvRetrans uint64
	NumTimeout    uint64
	NumUnexp      uint64
}

// ProcType groups jobs for the dashboard. The state machine itself operates
// on the flattened job sequence only.
type ProcType uint8

const (
	ProcWait ProcType = iota + 1
	ProcReqRsp
	ProcReqTrigRep
)

// Procedure is a display grouping of jobs.
type Procedure struct {
	Type      ProcType
	Wait      *Job
	Initial   *Job
	TrigMsg   *Job
	TrigReply *Job
}

// Scenario is a parsed call flow bound to an interface and node role.
type Scenario struct {
	Name      string
	Interface string
	Jobs      []*Job
	Procs     []*Procedure

	// interface-type codes carried in F-TEIDs minted by this node
	CtlIfType uint8
	UsrIfType uint8

	// one C-plane tunnel shared across all PDNs of a UE (S11/S4 rule)
	SharedCTun bool
}

// Originator reports whether this node opens the call flow (first job is a
// send); otherwise sessions are created by inbound initial requests.
func (s *Scenario) Originator() bool {
	return len(s.Jobs) > 0 && s.Jobs[0].Type == JobSend
}

func resolveIfTypes(iface, nodeType string) (ctl, usr uint8, shared bool, err error) {
	switch iface {
	case "s11":
		shared = true
		switch nodeType {
		case "mme":
			return gtpv2.IFTypeS11MMEGTPC, gtpv2.IFTypeS1UeNodeBGTPU, shared, nil
		case "sgw":
			return gtpv2.IFTypeS11S4SGWGTPC, gtpv2.IFTypeS1USGWGTPU, shared, nil
		}
		return 0, 0, false, fmt.Errorf("scenario: node type %q cannot terminate S11", nodeType)
	case "s5s8":
		switch nodeType {
		case "sgw":
			return gtpv2.IFTypeS5S8SGWGTPC, gtpv2.IFTypeS5S8SGWGTPU, false, nil
		case "pgw":
			return gtpv2.IFTypeS5S8PGWGTPC, gtpv2.IFTypeS5S8PGWGTPU, false, nil
		}
		return 0, 0, false, fmt.Errorf("scenario: node type %q cannot terminate S5/S8", nodeType)
	default:
		return 0, 0, false, fmt.Errorf("scenario: unknown interface %q (want s11 or s5s8)", iface)
	}
}

// deriveProcedures groups the flattened job sequence for the dashboard:
// a lone wait is a WAIT procedure, a request followed by its response is
// REQ_RSP, and a trailing non-request/non-response message (an acknowledge)
// upgrades the pair to REQ_TRIG_REP.
func deriveProcedures(jobs []*Job) []*Procedure {
	var procs []*Procedure
	i := 0
	for i < len(jobs) {
		j := jobs[i]
		if j.Type == JobWait {
			procs = append(procs, &Procedure{Type: ProcWait, Wait: j})
			i++
			continue
		}

		p := &Procedure{Type: ProcReqRsp, Initial: j}
		i++
		if i < len(jobs) && jobs[i].Type != JobWait &&
			gtpc.MsgCategory(jobs[i].MsgType) == gtpc.CatResponse {
			p.TrigMsg = jobs[i]
			i++
			if i < len(jobs) && jobs[i].Type != JobWait &&
				gtpc.MsgCategory(jobs[i].MsgType) == gtpc.CatOther {
				p.Type = ProcReqTrigRep
				p.TrigReply = jobs[i]
				i++
			}
		}
		procs = append(procs, p)
	}
	return procs
}
