package fingerprint

import (
	"testing"

	"github.com/google/gopacket/layers"
)

func u16(v uint16) *uint16 { return &v }

func linuxSYN() SYN {
	return SYN{
		TTL:          64,
		DontFragment: true,
		WindowSize:   64240,
		MSS:          u16(1460),
		WindowScale:  u16(128),
		OptionKinds: []layers.TCPOptionKind{
			layers.TCPOptionKindMSS,
			layers.TCPOptionKindSACKPermitted,
			layers.TCPOptionKindTimestamps,
			layers.TCPOptionKindNop,
			layers.TCPOptionKindWindowScale,
		},
	}
}

func TestCanonical(t *testing.T) {
	want := "64:0:1:64240:1460:128:2,4,8,1,3"
	if got := Canonical(linuxSYN()); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := Canonical(SYN{TTL: 128, WindowSize: 8192}); got != "128:0:0:8192:*:*:" {
		t.Fatalf("unexpected canonical form for missing options: %q", got)
	}
}

func TestGenerateIsStable(t *testing.T) {
	if Generate(linuxSYN()) != Generate(linuxSYN()) {
		t.Fatal("expected identical fingerprints")
	}
}

func TestGenerateDependsOnOptionOrder(t *testing.T) {
	reordered := linuxSYN()
	reordered.OptionKinds[0], reordered.OptionKinds[1] = reordered.OptionKinds[1], reordered.OptionKinds[0]
	if Generate(linuxSYN()) == Generate(reordered) {
		t.Fatal("expected option order to change the fingerprint")
	}
}

func TestGenerateDependsOnEveryAttribute(t *testing.T) {
	base := Generate(linuxSYN())
	mutations := map[string]func(*SYN){
		"ttl":    func(s *SYN) { s.TTL = 128 },
		"tos":    func(s *SYN) { s.TOS = 0x10 },
		"df":     func(s *SYN) { s.DontFragment = false },
		"window": func(s *SYN) { s.WindowSize = 65535 },
		"mss":    func(s *SYN) { s.MSS = nil },
		"wscale": func(s *SYN) { s.WindowScale = u16(256) },
	}
	for name, mutate := range mutations {
		s := linuxSYN()
		mutate(&s)
		if Generate(s) == base {
			t.Errorf("%s: expected a different fingerprint", name)
		}
	}
}

func TestFromTCP(t *testing.T) {
	ip := &layers.IPv4{TTL: 64, TOS: 0, Flags: layers.IPv4DontFragment}
	tcp := &layers.TCP{
		Window: 64240,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
			{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: make([]byte, 8)},
			{OptionType: layers.TCPOptionKindNop},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	got := FromTCP(ip, tcp)
	if got.MSS == nil || *got.MSS != 1460 {
		t.Fatalf("expected mss 1460, got %v", got.MSS)
	}
	if got.WindowScale == nil || *got.WindowScale != 128 {
		t.Fatalf("expected window scale multiplier 128, got %v", got.WindowScale)
	}
	if Canonical(got) != Canonical(linuxSYN()) {
		t.Fatalf("expected %q, got %q", Canonical(linuxSYN()), Canonical(got))
	}
}
