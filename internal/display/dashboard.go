package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
	"gtpc-sim/internal/stats"
)

const (
	separator = "+------------------------+----------------------------+-----------------------+\r\n"
	footerRun = "+--Adjust-Rate [+|-|*|/]--+-----Pause-Traffic [p]-----+-------Quit [q]--------+\r\n"
	footerRes = "+---Adjust-Rate [+/-]----+----Resume-Traffic [c]------+-------Quit [q]--------+\r\n"
)

// Dashboard is the periodic statistics task. It renders a framed table of
// the session totals and the per-job counters grouped by procedure.
type Dashboard struct {
	out       io.Writer
	st        *stats.Collector
	scn       *scenario.Scenario
	clock     sched.Clock
	task      *sched.Task
	refreshMs sched.Time

	nodeType  string
	localEp   string
	remoteEp  string
	startStr  string
	startSecs int64
	paused    bool
}

// New registers the dashboard as a running task.
func New(out io.Writer, mgr *sched.Mgr, clock sched.Clock, st *stats.Collector, scn *scenario.Scenario,
	refreshMs sched.Time, nodeType, localEp, remoteEp string) *Dashboard {
	d := &Dashboard{
		out:       out,
		st:        st,
		scn:       scn,
		clock:     clock,
		refreshMs: refreshMs,
		nodeType:  strings.ToUpper(nodeType),
		localEp:   localEp,
		remoteEp:  remoteEp,
		startStr:  time.Now().Format("2006-01-02 15:04:05"),
		startSecs: clock.NowMs() / 1000,
	}
	d.task = mgr.NewTask(d)
	return d
}

// SetTrafficPaused switches the footer between pause and resume hints.
func (d *Dashboard) SetTrafficPaused(paused bool) { d.paused = paused }

// Run renders one frame and parks until the next refresh.
func (d *Dashboard) Run(arg any) (bool, error) {
	now := d.clock.NowMs()
	d.Render()
	d.task.Pause(now + d.refreshMs)
	return false, nil
}

// Render writes the current frame.
func (d *Dashboard) Render() {
	w := d.out
	fmt.Fprint(w, "\033[2J\033[H")

	fmt.Fprint(w, separator)
	runTime := d.clock.NowMs()/1000 - d.startSecs
	fmt.Fprintf(w, "Start: %s   Run-Time: %ds\t\t    Node: %s\r\n", d.startStr, runTime, d.nodeType)
	fmt.Fprintf(w, "Local-Host: %s \t\t\t  Remote-Host: %s\r\n", d.localEp, d.remoteEp)
	fmt.Fprint(w, separator)

	fmt.Fprintf(w, "Total-Sessions:    %d\r\n", d.st.Get(stats.SessionsCreated))
	fmt.Fprintf(w, "Session-Completed: %d\r\n", d.st.Get(stats.SessionsSucc))
	fmt.Fprintf(w, "Session-Aborted:   %d\r\n", d.st.Get(stats.SessionsFail))
	fmt.Fprintf(w, "Dead-Calls:        %d\r\n", d.st.Get(stats.DeadCalls))
	fmt.Fprint(w, separator)

	fmt.Fprint(w, "                                 Messages  Retrans   Timeout   Unexpected-Msg\r\n")
	for _, proc := range d.scn.Procs {
		switch proc.Type {
		case scenario.ProcWait:
			d.printJob(proc.Wait)
		case scenario.ProcReqRsp:
			d.printJob(proc.Initial)
			d.printJob(proc.TrigMsg)
		case scenario.ProcReqTrigRep:
			d.printJob(proc.Initial)
			d.printJob(proc.TrigMsg)
			d.printJob(proc.TrigReply)
		}
	}

	fmt.Fprint(w, "\r\n")
	if d.paused {
		fmt.Fprint(w, footerRes)
	} else {
		fmt.Fprint(w, footerRun)
	}
}

func (d *Dashboard) printJob(job *scenario.Job) {
	if job == nil {
		return
	}
	switch job.Type {
	case scenario.JobSend:
		fmt.Fprintf(d.out, "%-28s --->\t%9d%9d %9d\r\n",
			job.MsgName, job.NumSnd, job.NumSndRetrans, job.NumTimeout)
	case scenario.JobRecv:
		fmt.Fprintf(d.out, "%-28s <---\t%9d%9d                  %9d\r\n",
			job.MsgName, job.NumRcv, job.NumRcvRetrans, job.NumUnexp)
	case scenario.JobWait:
		fmt.Fprintf(d.out, "[%s]\r\n", job.MsgName)
	}
}
