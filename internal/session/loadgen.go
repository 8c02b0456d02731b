package session

import (
	log "github.com/sirupsen/logrus"

	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
)

// LoadGenerator is a task on the scheduler wheel creating UE sessions at a
// configurable rate. It only runs when this node originates the call flow.
type LoadGenerator struct {
	reg   *Registry
	mgr   *sched.Mgr
	tr    Transport
	scn   *scenario.Scenario
	task  *sched.Task
	rate  uint32 // sessions per second
	limit uint64 // total sessions, 0 = unlimited

	created uint64
}

// NewLoadGenerator registers the generator as a running task.
func NewLoadGenerator(reg *Registry, mgr *sched.Mgr, tr Transport, scn *scenario.Scenario, rate uint32, limit uint64) *LoadGenerator {
	g := &LoadGenerator{
		reg:   reg,
		mgr:   mgr,
		tr:    tr,
		scn:   scn,
		rate:  rate,
		limit: limit,
	}
	g.task = mgr.NewTask(g)
	return g
}

// Run creates the next batch of sessions and parks until the next interval.
func (g *LoadGenerator) Run(arg any) (bool, error) {
	now := g.reg.clock.NowMs()

	if g.rate == 0 {
		g.task.Pause(now + 1000)
		return false, nil
	}

	// up to one session per millisecond interval; higher rates batch
	interval := sched.Time(1000 / g.rate)
	batch := 1
	if interval < 1 {
		interval = 1
		batch = int(g.rate / 1000)
	}

	for i := 0; i < batch; i++ {
		if g.limit > 0 && g.created >= g.limit {
			log.WithField("sessions", g.created).Info("Session limit reached, load generator done")
			return true, nil
		}
		imsi, err := g.reg.imsis.Allocate()
		if err != nil {
			return false, err
		}
		CreateSession(g.reg, g.mgr, g.tr, g.scn, imsi)
		g.created++
	}

	g.task.Pause(now + interval)
	return false, nil
}

// Rate returns the current session creation rate per second.
func (g *LoadGenerator) Rate() uint32 { return g.rate }

// Created returns the number of sessions minted so far.
func (g *LoadGenerator) Created() uint64 { return g.created }

// AdjustRate applies a keyboard rate command: '+'/'-' step by one,
// '*'/'/' double and halve. The rate never drops below one.
func (g *LoadGenerator) AdjustRate(op byte) {
	switch op {
	case '+':
		g.rate++
	case '-':
		if g.rate > 1 {
			g.rate--
		}
	case '*':
		g.rate *= 2
	case '/':
		if g.rate > 1 {
			g.rate /= 2
		}
	}
	log.WithField("rate", g.rate).Info("Session creation rate adjusted")
}

// PauseTraffic freezes session creation; ResumeTraffic restarts it.
func (g *LoadGenerator) PauseTraffic() { g.task.Stop() }

// ResumeTraffic reactivates a frozen generator.
func (g *LoadGenerator) ResumeTraffic() { g.task.Resume() }
