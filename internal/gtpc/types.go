package gtpc

import (
	"fmt"
	"sort"

	"github.com/wmnsk/go-gtp/gtpv2/message"
)

// Category classifies a message type for the retransmission state machine:
// requests open a procedure, responses close one, everything else
// (notifications, acknowledges) is passed through.
type Category uint8

const (
	CatOther Category = iota
	CatRequest
	CatResponse
)

func (c Category) String() string {
	switch c {
	case CatRequest:
		return "request"
	case CatResponse:
		return "response"
	default:
		return "other"
	}
}

// MsgCategory returns the procedure category of a message type.
func MsgCategory(msgType uint8) Category {
	switch msgType {
	case message.MsgTypeEchoRequest,
		message.MsgTypeCreateSessionRequest,
		message.MsgTypeModifyBearerRequest,
		message.MsgTypeDeleteSessionRequest,
		message.MsgTypeCreateBearerRequest,
		message.MsgTypeUpdateBearerRequest,
		message.MsgTypeDeleteBearerRequest,
		message.MsgTypeReleaseAccessBearersRequest:
		return CatRequest
	case message.MsgTypeEchoResponse,
		message.MsgTypeCreateSessionResponse,
		message.MsgTypeModifyBearerResponse,
		message.MsgTypeDeleteSessionResponse,
		message.MsgTypeCreateBearerResponse,
		message.MsgTypeUpdateBearerResponse,
		message.MsgTypeDeleteBearerResponse,
		message.MsgTypeReleaseAccessBearersResponse:
		return CatResponse
	default:
		return CatOther
	}
}

// scenario-facing names, also used by the dashboard.
var typeByName = map[string]uint8{
	"echo-request":                    message.MsgTypeEchoRequest,
	"echo-response":                   message.MsgTypeEchoResponse,
	"create-session-request":          message.MsgTypeCreateSessionRequest,
	"create-session-response":         message.MsgTypeCreateSessionResponse,
	"modify-bearer-request":           message.MsgTypeModifyBearerRequest,
	"modify-bearer-response":          message.MsgTypeModifyBearerResponse,
	"delete-session-request":          message.MsgTypeDeleteSessionRequest,
	"delete-session-response":         message.MsgTypeDeleteSessionResponse,
	"create-bearer-request":           message.MsgTypeCreateBearerRequest,
	"create-bearer-response":          message.MsgTypeCreateBearerResponse,
	"update-bearer-request":           message.MsgTypeUpdateBearerRequest,
	"update-bearer-response":          message.MsgTypeUpdateBearerResponse,
	"delete-bearer-request":           message.MsgTypeDeleteBearerRequest,
	"delete-bearer-response":          message.MsgTypeDeleteBearerResponse,
	"release-access-bearers-request":  message.MsgTypeReleaseAccessBearersRequest,
	"release-access-bearers-response": message.MsgTypeReleaseAccessBearersResponse,
}

var nameByType = func() map[uint8]string {
	m := make(map[uint8]string, len(typeByName))
	for n, t := range typeByName {
		m[t] = n
	}
	return m
}()

// TypeFromName resolves a scenario message name to its GTPv2-C type.
func TypeFromName(name string) (uint8, error) {
	t, ok := typeByName[name]
	if !ok {
		return 0, fmt.Errorf("gtpc: unknown message name %q (known: %v)", name, knownNames())
	}
	return t, nil
}

func knownNames() []string {
	names := make([]string, 0, len(typeByName))
	for n := range typeByName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MessageTypeName returns a human-readable name for a GTPv2-C message type.
func MessageTypeName(msgType uint8) string {
	switch msgType {
	case message.MsgTypeEchoRequest:
		return "EchoRequest"
	case message.MsgTypeEchoResponse:
		return "EchoResponse"
	case message.MsgTypeCreateSessionRequest:
		return "CreateSessionRequest"
	case message.MsgTypeCreateSessionResponse:
		return "CreateSessionResponse"
	case message.MsgTypeModifyBearerRequest:
		return "ModifyBearerRequest"
	case message.MsgTypeModifyBearerResponse:
		return "ModifyBearerResponse"
	case message.MsgTypeDeleteSessionRequest:
		return "DeleteSessionRequest"
	case message.MsgTypeDeleteSessionResponse:
		return "DeleteSessionResponse"
	case message.MsgTypeCreateBearerRequest:
		return "CreateBearerRequest"
	case message.MsgTypeCreateBearerResponse:
		return "CreateBearerResponse"
	case message.MsgTypeUpdateBearerRequest:
		return "UpdateBearerRequest"
	case message.MsgTypeUpdateBearerResponse:
		return "UpdateBearerResponse"
	case message.MsgTypeDeleteBearerRequest:
		return "DeleteBearerRequest"
	case message.MsgTypeDeleteBearerResponse:
		return "DeleteBearerResponse"
	case message.MsgTypeReleaseAccessBearersRequest:
		return "ReleaseAccessBearersRequest"
	case message.MsgTypeReleaseAccessBearersResponse:
		return "ReleaseAccessBearersResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", msgType)
	}
}

// NameOf returns the scenario-facing name for a message type.
func NameOf(msgType uint8) string {
	if n, ok := nameByType[msgType]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", msgType)
}
