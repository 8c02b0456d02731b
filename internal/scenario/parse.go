package scenario

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"
	"gopkg.in/yaml.v3"

	"gtpc-sim/internal/gtpc"
)

// imsiPlaceholder is rewritten per session at encode time.
const imsiPlaceholder = "000000000000000"

type scnFile struct {
	Name      string     `yaml:"name"`
	Interface string     `yaml:"interface"`
	Jobs      []stepFile `yaml:"jobs"`
}

type stepFile struct {
	Send string `yaml:"send"`
	Recv string `yaml:"recv"`
	Wait int64  `yaml:"wait"`

	// template fields for send steps
	APN     string       `yaml:"apn"`
	RAT     uint8        `yaml:"rat"`
	PDN     string       `yaml:"pdn"`
	Bearers []bearerFile `yaml:"bearers"`
}

type bearerFile struct {
	EBI uint8 `yaml:"ebi"`
	QCI uint8 `yaml:"qci"`
}

// Load reads and parses a scenario file for the given node type.
func Load(path, nodeType string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	scn, err := Parse(data, nodeType)
	if err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	return scn, nil
}

// Parse builds a Scenario from YAML for the given node type.
func Parse(data []byte, nodeType string) (*Scenario, error) {
	var f scnFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("scenario %q has no jobs", f.Name)
	}

	ctl, usr, shared, err := resolveIfTypes(f.Interface, nodeType)
	if err != nil {
		return nil, err
	}

	scn := &Scenario{
		Name:       f.Name,
		Interface:  f.Interface,
		CtlIfType:  ctl,
		UsrIfType:  usr,
		SharedCTun: shared,
	}

	for n, step := range f.Jobs {
		job, err := buildJob(step)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", n+1, err)
		}
		scn.Jobs = append(scn.Jobs, job)
	}
	scn.Procs = deriveProcedures(scn.Jobs)

	log.WithFields(log.Fields{
		"scenario":   scn.Name,
		"interface":  scn.Interface,
		"jobs":       len(scn.Jobs),
		"procedures": len(scn.Procs),
	}).Info("Scenario loaded")

	return scn, nil
}

func buildJob(step stepFile) (*Job, error) {
	set := 0
	if step.Send != "" {
		set++
	}
	if step.Recv != "" {
		set++
	}
	if step.Wait > 0 {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of send/recv/wait must be given")
	}

	if step.Wait > 0 {
		return &Job{Type: JobWait, WaitMs: step.Wait, MsgName: fmt.Sprintf("wait %dms", step.Wait)}, nil
	}

	name := step.Send
	jobType := JobSend
	if step.Recv != "" {
		name = step.Recv
		jobType = JobRecv
	}
	msgType, err := gtpc.TypeFromName(name)
	if err != nil {
		return nil, err
	}

	job := &Job{Type: jobType, MsgType: msgType, MsgName: name}
	if jobType == JobSend {
		job.Msg = buildTemplate(step, msgType)
	}
	return job, nil
}

// buildTemplate mints the template message for a send job. Session-specific
// fields (header TEID, sequence, IMSI, sender F-TEID, bearer GTP-U TEIDs)
// are rewritten at encode time.
func buildTemplate(step stepFile, msgType uint8) *gtpc.Message {
	m := &gtpc.Message{Hdr: gtpc.Header{Type: msgType, HasTEID: true}}

	bearers := step.Bearers
	if len(bearers) == 0 {
		bearers = []bearerFile{{EBI: 5, QCI: 9}}
	}

	switch msgType {
	case message.MsgTypeEchoRequest, message.MsgTypeEchoResponse:
		m.Hdr.HasTEID = false
		m.IEs = append(m.IEs, ie.NewRecovery(1))

	case message.MsgTypeCreateSessionRequest:
		apn := step.APN
		if apn == "" {
			apn = "internet"
		}
		rat := step.RAT
		if rat == 0 {
			rat = 6 // E-UTRAN
		}
		m.IEs = append(m.IEs,
			ie.NewIMSI(imsiPlaceholder),
			ie.NewAccessPointName(apn),
			ie.NewRATType(rat),
			ie.NewPDNType(pdnTypeValue(step.PDN)),
		)
		for _, b := range bearers {
			bc := ie.NewBearerContext(
				ie.NewEPSBearerID(b.EBI),
				ie.NewBearerQoS(0, 9, 0, b.QCI, 0, 0, 0, 0),
			)
			bc.SetInstance(0)
			m.IEs = append(m.IEs, bc)
		}

	case message.MsgTypeCreateSessionResponse:
		m.IEs = append(m.IEs, ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil))
		for _, b := range bearers {
			bc := ie.NewBearerContext(
				ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
				ie.NewEPSBearerID(b.EBI),
			)
			bc.SetInstance(0)
			m.IEs = append(m.IEs, bc)
		}

	case message.MsgTypeModifyBearerRequest:
		for _, b := range bearers {
			bc := ie.NewBearerContext(ie.NewEPSBearerID(b.EBI))
			bc.SetInstance(0)
			m.IEs = append(m.IEs, bc)
		}

	case message.MsgTypeDeleteSessionRequest:
		m.IEs = append(m.IEs, ie.NewEPSBearerID(bearers[0].EBI))

	default:
		if gtpc.MsgCategory(msgType) == gtpc.CatResponse {
			m.IEs = append(m.IEs, ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil))
		}
	}

	return m
}

func pdnTypeValue(s string) uint8 {
	switch s {
	case "ipv6":
		return 2
	case "ipv4v6":
		return 3
	default:
		return 1
	}
}
