package device

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter writes UDP payloads as Ethernet/IPv4/UDP frames to a classic
// pcap stream that PcapSource can replay.
type PcapWriter struct {
	w       *pcapgo.Writer
	buf     gopacket.SerializeBuffer
	srcIP   net.IP
	srcPort layers.UDPPort
}

// NewPcapWriter writes the file header to w.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &PcapWriter{
		w:       pw,
		buf:     gopacket.NewSerializeBuffer(),
		srcIP:   net.IP{10, 0, 0, 1},
		srcPort: 40000,
	}, nil
}

// WriteUDP appends one datagram to dst captured at ts.
func (pw *PcapWriter) WriteUDP(ts time.Time, dst netip.AddrPort, payload []byte) error {
	if !dst.Addr().Is4() {
		return fmt.Errorf("pcap write %s: ipv4 only", dst)
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       dstMAC(dst.Addr()),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    pw.srcIP,
		DstIP:    net.IP(dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{SrcPort: pw.srcPort, DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(pw.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("pcap write %s: %w", dst, err)
	}
	data := pw.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return pw.w.WritePacket(ci, data)
}

// dstMAC maps an IPv4 multicast group to 01:00:5e plus its low 23 bits.
func dstMAC(a netip.Addr) net.HardwareAddr {
	if !a.IsMulticast() {
		return net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	}
	b := a.As4()
	return net.HardwareAddr{0x01, 0x00, 0x5e, b[1] & 0x7f, b[2], b[3]}
}
