package ethframe

import (
	"bytes"
	"testing"
)

func macBytes(b0, b1, b2, b3, b4, b5 byte) []byte {
	return []byte{b0, b1, b2, b3, b4, b5}
}

func buildARPRequest(senderHW, senderIP, targetIP []byte) []byte {
	buf := make([]byte, headerLen+arpBodyLen)
	copy(buf[0:6], macBytes(0xff, 0xff, 0xff, 0xff, 0xff, 0xff)) // broadcast
	copy(buf[6:12], senderHW)
	buf[12], buf[13] = 0x08, 0x06 // ARP

	body := buf[headerLen:]
	body[0], body[1] = 0x00, 0x01 // htype ethernet
	body[2], body[3] = 0x08, 0x00 // ptype ipv4
	body[4] = 6
	body[5] = 4
	body[6], body[7] = 0x00, 0x01 // op request
	copy(body[8:14], senderHW)
	copy(body[14:18], senderIP)
	// target hw left zero
	copy(body[24:28], targetIP)

	return buf
}

func TestParseRejectsShortFrames(t *testing.T) {
	for _, n := range []int{0, 1, 13} {
		if _, err := Parse(make([]byte, n)); err == nil {
			t.Errorf("Parse(%d bytes): want error, got nil", n)
		}
	}
	if _, err := Parse(make([]byte, headerLen)); err != nil {
		t.Errorf("Parse(%d bytes): want no error, got %v", headerLen, err)
	}
}

func TestEthertypeName(t *testing.T) {
	cases := []struct {
		name string
		et   [2]byte
		want EtherType
	}{
		{"arp", [2]byte{0x08, 0x06}, EtherTypeARP},
		{"ip", [2]byte{0x08, 0x00}, EtherTypeIPv4},
		{"other", [2]byte{0x86, 0xDD}, EtherTypeOther},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := make([]byte, headerLen)
			raw[12], raw[13] = c.et[0], c.et[1]
			f, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := f.EthertypeName(); got != c.want {
				t.Errorf("EthertypeName() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMACHexRoundTrip(t *testing.T) {
	raw := make([]byte, headerLen)
	copy(raw[0:6], macBytes(0xaa, 0xbb, 0xcc, 0x00, 0x11, 0x22))
	copy(raw[6:12], macBytes(0x01, 0x02, 0x03, 0x04, 0x05, 0x06))
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := f.DestinationMACHex(), "aabbcc001122"; got != want {
		t.Errorf("DestinationMACHex() = %q, want %q", got, want)
	}
	if got, want := f.SourceMACHex(), "010203040506"; got != want {
		t.Errorf("SourceMACHex() = %q, want %q", got, want)
	}

	mac, err := ParseMACHex("010203040506")
	if err != nil {
		t.Fatalf("ParseMACHex: %v", err)
	}
	if !bytes.Equal(mac[:], raw[6:12]) {
		t.Errorf("ParseMACHex round trip mismatch: got %v, want %v", mac, raw[6:12])
	}
}

func TestARPRequestedIP(t *testing.T) {
	senderHW := macBytes(0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01)
	senderIP := []byte{10, 0, 0, 1}
	targetIP := []byte{10, 0, 0, 2}
	raw := buildARPRequest(senderHW, senderIP, targetIP)

	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ip, ok := f.ARPRequestedIP()
	if !ok {
		t.Fatalf("ARPRequestedIP: ok = false, want true")
	}
	if want := "10.0.0.2"; ip != want {
		t.Errorf("ARPRequestedIP() = %q, want %q", ip, want)
	}
}

func TestARPRequestedIPRejectsNonARP(t *testing.T) {
	raw := make([]byte, headerLen+arpBodyLen)
	raw[12], raw[13] = 0x08, 0x00 // IPv4, not ARP
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := f.ARPRequestedIP(); ok {
		t.Errorf("ARPRequestedIP: ok = true for a non-ARP frame, want false")
	}
}

// TestSynthesizeARPReply checks invariant 4 from the specification: for any
// ARP request with sender hw S, sender proto SP, target proto TP, the reply
// produced by SynthesizeARPReply(M) has destination hw S, source hw M,
// opcode 2, sender hw M, sender proto TP, target hw S, target proto SP, and
// ethertype 0x0806.
func TestSynthesizeARPReply(t *testing.T) {
	senderHW := macBytes(0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01) // S
	senderIP := []byte{10, 0, 0, 1}                          // SP
	targetIP := []byte{10, 0, 0, 2}                          // TP
	answerMAC := [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x02} // M

	raw := buildARPRequest(senderHW, senderIP, targetIP)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	reply, err := f.SynthesizeARPReply(answerMAC)
	if err != nil {
		t.Fatalf("SynthesizeARPReply: %v", err)
	}

	rf, err := Parse(reply)
	if err != nil {
		t.Fatalf("Parse(reply): %v", err)
	}

	if rf.EthertypeName() != EtherTypeARP {
		t.Errorf("reply ethertype = %v, want ARP", rf.EthertypeName())
	}
	if got, want := reply[0:6], senderHW; !bytes.Equal(got, want) {
		t.Errorf("reply destination hw = % x, want % x", got, want)
	}
	if got, want := reply[6:12], answerMAC[:]; !bytes.Equal(got, want) {
		t.Errorf("reply source hw = % x, want % x", got, want)
	}

	body := reply[headerLen:]
	if op := body[6:8]; op[0] != 0 || op[1] != arpOpReply {
		t.Errorf("reply opcode = % x, want 0002", op)
	}
	if got, want := body[8:14], answerMAC[:]; !bytes.Equal(got, want) {
		t.Errorf("reply sender hw = % x, want % x", got, want)
	}
	if got, want := body[14:18], targetIP; !bytes.Equal(got, want) {
		t.Errorf("reply sender proto = % x, want % x (TP)", got, want)
	}
	if got, want := body[18:24], senderHW; !bytes.Equal(got, want) {
		t.Errorf("reply target hw = % x, want % x (S)", got, want)
	}
	if got, want := body[24:28], senderIP; !bytes.Equal(got, want) {
		t.Errorf("reply target proto = % x, want % x (SP)", got, want)
	}
}

func TestSynthesizeARPReplyRejectsNonRequest(t *testing.T) {
	raw := make([]byte, headerLen+arpBodyLen)
	raw[12], raw[13] = 0x08, 0x06
	body := raw[headerLen:]
	binary := uint16(2)
	body[6] = byte(binary >> 8)
	body[7] = byte(binary)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := f.SynthesizeARPReply([6]byte{}); err == nil {
		t.Errorf("SynthesizeARPReply on an ARP reply frame: want error, got nil")
	}
}
