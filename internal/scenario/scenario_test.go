package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"
)

const attachYAML = `
name: attach
interface: s11
jobs:
  - send: create-session-request
    apn: corp.example
    bearers:
      - ebi: 5
        qci: 9
  - recv: create-session-response
  - send: modify-bearer-request
  - recv: modify-bearer-response
  - wait: 500
  - send: delete-session-request
  - recv: delete-session-response
`

func TestParse_Attach(t *testing.T) {
	scn, err := Parse([]byte(attachYAML), "mme")
	require.NoError(t, err)

	assert.Equal(t, "attach", scn.Name)
	require.Len(t, scn.Jobs, 7)
	assert.True(t, scn.Originator())
	assert.True(t, scn.SharedCTun)
	assert.Equal(t, uint8(gtpv2.IFTypeS11MMEGTPC), scn.CtlIfType)

	first := scn.Jobs[0]
	assert.Equal(t, JobSend, first.Type)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), first.MsgType)
	require.NotNil(t, first.Msg)
	assert.Equal(t, 1, first.Msg.IECount(ie.BearerContext, 0))
	assert.Equal(t, 1, first.Msg.IECount(ie.AccessPointName, 0))

	wait := scn.Jobs[4]
	assert.Equal(t, JobWait, wait.Type)
	assert.Equal(t, int64(500), wait.WaitMs)

	recv := scn.Jobs[1]
	assert.Equal(t, JobRecv, recv.Type)
	assert.Nil(t, recv.Msg)
}

func TestParse_DeriveProcedures(t *testing.T) {
	scn, err := Parse([]byte(attachYAML), "mme")
	require.NoError(t, err)

	require.Len(t, scn.Procs, 4)
	assert.Equal(t, ProcReqRsp, scn.Procs[0].Type)
	assert.Same(t, scn.Jobs[0], scn.Procs[0].Initial)
	assert.Same(t, scn.Jobs[1], scn.Procs[0].TrigMsg)
	assert.Equal(t, ProcReqRsp, scn.Procs[1].Type)
	assert.Equal(t, ProcWait, scn.Procs[2].Type)
	assert.Equal(t, ProcReqRsp, scn.Procs[3].Type)
}

func TestParse_Responder(t *testing.T) {
	y := `
name: responder
interface: s11
jobs:
  - recv: create-session-request
  - send: create-session-response
`
	scn, err := Parse([]byte(y), "sgw")
	require.NoError(t, err)
	assert.False(t, scn.Originator())
	assert.Equal(t, uint8(gtpv2.IFTypeS11S4SGWGTPC), scn.CtlIfType)

	rsp := scn.Jobs[1]
	require.NotNil(t, rsp.Msg)
	assert.Equal(t, 1, rsp.Msg.IECount(ie.Cause, 0))
}

func TestParse_S5S8NotShared(t *testing.T) {
	y := `
name: s5
interface: s5s8
jobs:
  - recv: create-session-request
  - send: create-session-response
`
	scn, err := Parse([]byte(y), "pgw")
	require.NoError(t, err)
	assert.False(t, scn.SharedCTun)
	assert.Equal(t, uint8(gtpv2.IFTypeS5S8PGWGTPC), scn.CtlIfType)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("jobs: []"), "mme")
	assert.Error(t, err)

	_, err = Parse([]byte("name: x\ninterface: s11\njobs:\n  - send: nonsense\n"), "mme")
	assert.Error(t, err)

	_, err = Parse([]byte("name: x\ninterface: s11\njobs:\n  - send: create-session-request\n    wait: 5\n"), "mme")
	assert.Error(t, err)

	// PGW cannot terminate S11
	_, err = Parse([]byte("name: x\ninterface: s11\njobs:\n  - send: create-session-request\n"), "pgw")
	assert.Error(t, err)
}

func TestBuildTemplate_EchoHasNoTEID(t *testing.T) {
	y := `
name: echo
interface: s11
jobs:
  - send: echo-request
  - recv: echo-response
`
	scn, err := Parse([]byte(y), "mme")
	require.NoError(t, err)
	assert.False(t, scn.Jobs[0].Msg.Hdr.HasTEID)
	assert.Equal(t, 1, scn.Jobs[0].Msg.IECount(ie.Recovery, 0))
}
