package transport

import (
	"bytes"
	"crypto/rand"
	"net/netip"
	"testing"
	"time"
)

func TestFragmentLossRecovery(t *testing.T) {
	env := make([]byte, 10*fragmentCapacity(1400))
	_, _ = rand.Read(env)
	frags, err := fragmentEnvelope(1, env, 1400, 0.25)
	if err != nil {
		t.Fatalf("fragmentEnvelope: %v", err)
	}
	if len(frags) != 10+3 {
		t.Fatalf("fragments = %d, want 13", len(frags))
	}

	src := netip.MustParseAddrPort("127.0.0.1:1000")
	r := newReassembler(time.Second, 16)
	var out []byte
	// Lose three data shards; parity covers them.
	for i, f := range frags {
		if i == 0 || i == 4 || i == 9 {
			continue
		}
		cell := buildCell(f, 1400, nil)
		if len(cell) != 1400 {
			t.Fatalf("cell size = %d, want 1400", len(cell))
		}
		parsed, err := parseFragment(cell[cellHeaderSize : len(cell)-cellOverhead])
		if err != nil {
			t.Fatalf("parseFragment: %v", err)
		}
		msg, err := r.add(src, parsed)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if msg != nil {
			out = msg
		}
	}
	if !bytes.Equal(out, env) {
		t.Fatalf("reassembled envelope differs")
	}
	if r.pending() != 0 {
		t.Fatalf("pending = %d after completion", r.pending())
	}
}

func TestReassemblerExpires(t *testing.T) {
	env := make([]byte, 3*fragmentCapacity(256))
	frags, err := fragmentEnvelope(9, env, 256, 0.25)
	if err != nil {
		t.Fatalf("fragmentEnvelope: %v", err)
	}
	now := time.Now()
	r := newReassembler(time.Second, 16)
	r.now = func() time.Time { return now }
	src := netip.MustParseAddrPort("127.0.0.1:1000")
	if msg, err := r.add(src, frags[0]); err != nil || msg != nil {
		t.Fatalf("add = %v, %v", msg, err)
	}
	now = now.Add(2 * time.Second)
	if n := r.expire(); n != 1 {
		t.Fatalf("expire = %d, want 1", n)
	}
}

func TestSizeClass(t *testing.T) {
	p, err := ProfileByName("web_browsing")
	if err != nil {
		t.Fatalf("ProfileByName: %v", err)
	}
	target, cell := p.sizeClass(10)
	if cell != 256 || target != fragmentCapacity(256) {
		t.Fatalf("sizeClass(10) = %d, %d", target, cell)
	}
	target, cell = p.sizeClass(fragmentCapacity(1024) + 1)
	if cell != 1400 || target != fragmentCapacity(1400) {
		t.Fatalf("sizeClass = %d, %d", target, cell)
	}
	target, cell = p.sizeClass(3*fragmentCapacity(1400) - 5)
	if cell != 1400 || target != 3*fragmentCapacity(1400) {
		t.Fatalf("multi-cell sizeClass = %d, %d", target, cell)
	}
}

func TestProfileDelays(t *testing.T) {
	for _, name := range ProfileNames() {
		p, err := ProfileByName(name)
		if err != nil {
			t.Fatalf("ProfileByName(%s): %v", name, err)
		}
		if err := validProfile(p); err != nil {
			t.Fatalf("validProfile(%s): %v", name, err)
		}
		for i := 0; i < 200; i++ {
			d := p.SampleDelay()
			if d < p.Delay.Min || (p.Delay.Kind != DelayNone && d > p.Delay.Max) {
				t.Fatalf("%s: delay %v outside [%v, %v]", name, d, p.Delay.Min, p.Delay.Max)
			}
		}
	}
	if _, err := ProfileByName("carrier_pigeon"); err == nil {
		t.Fatalf("unknown profile accepted")
	}
}
