package capture

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer mirrors exchanged GTP-C datagrams into a pcap file, synthesizing
// the Ethernet/IPv4/UDP envelope. Sends are recorded by Transport.Send and
// receives by Transport.Poll; the mutex serializes Record and Close.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// New creates the pcap file and writes its header.
func New(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: write pcap header: %w", err)
	}
	log.WithField("file", path).Info("Capturing GTP-C traffic")
	return &Writer{f: f, w: w}, nil
}

// Record appends one datagram to the capture.
func (c *Writer) Record(src, dst *net.UDPAddr, payload []byte) {
	srcIP := src.IP.To4()
	dstIP := dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return
	}

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		log.WithError(err).Debug("Failed to serialize capture packet")
		return
	}

	pkt := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(ci, pkt); err != nil {
		log.WithError(err).Debug("Failed to write capture packet")
	}
}

// Close flushes and closes the capture file.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
