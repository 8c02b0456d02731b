package gtpc

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/wmnsk/go-gtp/gtpv2/ie"
)

const (
	headerLenNoTEID   = 8
	headerLenWithTEID = 12

	flagTEID      = 0x08
	flagPiggyback = 0x10
)

// Header is the GTPv2-C message header. The length field of the wire format
// is recomputed on Marshal and not kept here.
type Header struct {
	Type     uint8
	HasTEID  bool
	TEID     uint32
	Sequence uint32 // 24-bit
}

// Message is a decoded GTPv2-C message: the header plus a flat list of
// top-level IEs. Grouped IEs (Bearer Context) carry their children in
// ChildIEs. IEs the simulator does not understand are kept opaque and
// re-encoded verbatim.
type Message struct {
	Hdr Header
	IEs []*ie.IE
}

// Decode parses a raw datagram into a Message.
func Decode(b []byte) (*Message, error) {
	if len(b) < headerLenNoTEID {
		return nil, fmt.Errorf("gtpc: short datagram (%d bytes)", len(b))
	}
	if v := b[0] >> 5; v != 2 {
		return nil, fmt.Errorf("gtpc: unsupported GTP version %d", v)
	}
	if b[0]&flagPiggyback != 0 {
		return nil, fmt.Errorf("gtpc: piggybacked messages not supported")
	}

	m := &Message{}
	m.Hdr.Type = b[1]
	msgLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < msgLen+4 {
		return nil, fmt.Errorf("gtpc: truncated message: header claims %d bytes, have %d", msgLen+4, len(b))
	}

	body := b[4 : msgLen+4]
	if b[0]&flagTEID != 0 {
		if len(body) < 8 {
			return nil, fmt.Errorf("gtpc: message too short for TEID header")
		}
		m.Hdr.HasTEID = true
		m.Hdr.TEID = binary.BigEndian.Uint32(body[0:4])
		m.Hdr.Sequence = uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6])
		body = body[8:]
	} else {
		if len(body) < 4 {
			return nil, fmt.Errorf("gtpc: message too short for sequence header")
		}
		m.Hdr.Sequence = uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2])
		body = body[4:]
	}

	if len(body) > 0 {
		ies, err := ie.ParseMultiIEs(body)
		if err != nil {
			return nil, fmt.Errorf("gtpc: failed to parse IEs: %w", err)
		}
		m.IEs = ies
	}

	return m, nil
}

// Marshal serializes the message, recomputing the length field.
func (m *Message) Marshal() ([]byte, error) {
	ieLen := 0
	for _, i := range m.IEs {
		ieLen += i.MarshalLen()
	}

	hdrLen := headerLenNoTEID
	if m.Hdr.HasTEID {
		hdrLen = headerLenWithTEID
	}

	b := make([]byte, hdrLen+ieLen)
	b[0] = 2 << 5
	if m.Hdr.HasTEID {
		b[0] |= flagTEID
	}
	b[1] = m.Hdr.Type
	binary.BigEndian.PutUint16(b[2:4], uint16(hdrLen-4+ieLen))

	off := 4
	if m.Hdr.HasTEID {
		binary.BigEndian.PutUint32(b[4:8], m.Hdr.TEID)
		off = 8
	}
	b[off] = byte(m.Hdr.Sequence >> 16)
	b[off+1] = byte(m.Hdr.Sequence >> 8)
	b[off+2] = byte(m.Hdr.Sequence)
	off += 4

	for _, i := range m.IEs {
		if err := i.MarshalTo(b[off:]); err != nil {
			return nil, fmt.Errorf("gtpc: failed to marshal IE type %d: %w", i.Type, err)
		}
		off += i.MarshalLen()
	}

	return b, nil
}

// Clone returns a deep copy of the message, for instantiating a scenario
// template per session.
func (m *Message) Clone() (*Message, error) {
	b, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("gtpc: clone: %w", err)
	}
	return Decode(b)
}

// IE returns the n-th occurrence (1-based) of the IE with the given type and
// instance, or nil.
func (m *Message) IE(typ, instance uint8, occurrence int) *ie.IE {
	n := 0
	for _, i := range m.IEs {
		if i.Type == typ && i.Instance() == instance {
			n++
			if n == occurrence {
				return i
			}
		}
	}
	return nil
}

// IECount returns the number of occurrences of (type, instance).
func (m *Message) IECount(typ, instance uint8) int {
	n := 0
	for _, i := range m.IEs {
		if i.Type == typ && i.Instance() == instance {
			n++
		}
	}
	return n
}

// SetTEID rewrites the header TEID and marks it present.
func (m *Message) SetTEID(teid uint32) {
	m.Hdr.HasTEID = true
	m.Hdr.TEID = teid
}

// SetSequence rewrites the 24-bit header sequence number.
func (m *Message) SetSequence(seq uint32) {
	m.Hdr.Sequence = seq & 0x00FFFFFF
}

func (m *Message) replaceOrAppend(newIE *ie.IE) {
	for k, i := range m.IEs {
		if i.Type == newIE.Type && i.Instance() == newIE.Instance() {
			m.IEs[k] = newIE
			return
		}
	}
	m.IEs = append(m.IEs, newIE)
}

// SetIMSI replaces (or inserts) the IMSI IE.
func (m *Message) SetIMSI(imsi string) {
	m.replaceOrAppend(ie.NewIMSI(imsi))
}

// IMSI extracts the IMSI IE value, if present.
func (m *Message) IMSI() (string, error) {
	i := m.IE(ie.IMSI, 0, 1)
	if i == nil {
		return "", fmt.Errorf("gtpc: no IMSI IE in %s", MessageTypeName(m.Hdr.Type))
	}
	return i.IMSI()
}

// SetSenderFTEID replaces (or inserts) the instance-0 F-TEID carrying the
// sender's control-plane tunnel endpoint.
func (m *Message) SetSenderFTEID(ifType uint8, teid uint32, ip net.IP) error {
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("gtpc: sender F-TEID needs an IPv4 address, got %v", ip)
	}
	m.replaceOrAppend(ie.NewFullyQualifiedTEID(ifType, teid, ip.String(), ""))
	return nil
}

// SenderFTEID returns the instance-0 top-level F-TEID, or nil.
func (m *Message) SenderFTEID() *ie.IE {
	return m.IE(ie.FullyQualifiedTEID, 0, 1)
}

// BearerTEIDFunc resolves a bearer's local GTP-U TEID and address by EBI.
type BearerTEIDFunc func(ebi uint8) (teid uint32, ip net.IP, ok bool)

// RewriteBearerTEIDs rebuilds every Bearer Context IE so that its GTP-U
// F-TEID carries the local user-plane endpoint of the owning bearer. Bearer
// contexts whose EBI the lookup does not know are left untouched.
func (m *Message) RewriteBearerTEIDs(ifType uint8, lookup BearerTEIDFunc) error {
	for k, bc := range m.IEs {
		if bc.Type != ie.BearerContext {
			continue
		}
		ebi, err := BearerContextEBI(bc)
		if err != nil {
			return err
		}
		teid, ip, ok := lookup(ebi)
		if !ok || ip == nil || ip.To4() == nil {
			continue
		}

		fteid := ie.NewFullyQualifiedTEID(ifType, teid, ip.String(), "")
		children := make([]*ie.IE, 0, len(bc.ChildIEs)+1)
		replaced := false
		for _, c := range bc.ChildIEs {
			if c.Type == ie.FullyQualifiedTEID {
				fteid.SetInstance(c.Instance())
				children = append(children, fteid)
				replaced = true
				continue
			}
			children = append(children, c)
		}
		if !replaced {
			children = append(children, fteid)
		}

		nb := ie.NewBearerContext(children...)
		nb.SetInstance(bc.Instance())
		m.IEs[k] = nb
	}
	return nil
}

// BearerContextEBI digs the EPS Bearer ID out of a Bearer Context IE.
func BearerContextEBI(bc *ie.IE) (uint8, error) {
	for _, c := range bc.ChildIEs {
		if c.Type == ie.EPSBearerID {
			return c.EPSBearerID()
		}
	}
	return 0, fmt.Errorf("gtpc: bearer context carries no EPS bearer id")
}

// BearerContextGTPUTEID digs the GTP-U F-TEID out of a Bearer Context IE.
func BearerContextGTPUTEID(bc *ie.IE) (uint32, error) {
	for _, c := range bc.ChildIEs {
		if c.Type == ie.FullyQualifiedTEID {
			return c.TEID()
		}
	}
	return 0, fmt.Errorf("gtpc: bearer context carries no F-TEID")
}
