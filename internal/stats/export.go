package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"gtpc-sim/internal/scenario"
)

// ExportJSON writes the session counters and per-job counters to a file.
func (c *Collector) ExportJSON(path string, scn *scenario.Scenario) error {
	if path == "" {
		return nil
	}

	jobs := map[string]any{}
	for n, j := range scn.Jobs {
		key := fmt.Sprintf("%02d_%s", n+1, j.MsgName)
		jobs[key] = map[string]any{
			"sent":            j.NumSnd,
			"sent_retransmit": j.NumSndRetrans,
			"received":        j.NumRcv,
			"recv_retransmit": j.NumRcvRetrans,
			"timeout":         j.NumTimeout,
			"unexpected":      j.NumUnexp,
		}
	}

	export := map[string]any{
		"start_time":   c.StartTime().Format(time.RFC3339),
		"duration_sec": c.Duration().Seconds(),
		"scenario":     scn.Name,
		"sessions": map[string]any{
			"created":   c.Get(SessionsCreated),
			"active":    c.Get(SessionsActive),
			"succeeded": c.Get(SessionsSucc),
			"failed":    c.Get(SessionsFail),
			"deadcalls": c.Get(DeadCalls),
		},
		"jobs": jobs,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", path, err)
	}

	log.WithField("file", path).Info("Statistics exported to JSON")
	return nil
}

// Summary renders the end-of-run totals printed after the dashboard exits.
func (c *Collector) Summary(scn *scenario.Scenario) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== gtpc-sim totals (elapsed: %s) ===\n",
		c.Duration().Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Sessions: created=%d succeeded=%d failed=%d active=%d deadcalls=%d\n",
		c.Get(SessionsCreated), c.Get(SessionsSucc), c.Get(SessionsFail),
		c.Get(SessionsActive), c.Get(DeadCalls)))
	for _, j := range scn.Jobs {
		switch j.Type {
		case scenario.JobSend:
			sb.WriteString(fmt.Sprintf("  %-34s sent=%-6d retrans=%-6d timeout=%-6d\n",
				j.MsgName, j.NumSnd, j.NumSndRetrans, j.NumTimeout))
		case scenario.JobRecv:
			sb.WriteString(fmt.Sprintf("  %-34s recv=%-6d retrans=%-6d unexpected=%-6d\n",
				j.MsgName, j.NumRcv, j.NumRcvRetrans, j.NumUnexp))
		}
	}
	sb.WriteString("=====================================\n")
	return sb.String()
}
