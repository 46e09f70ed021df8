package tmc2209

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeChip emulates a TMC2209 on a single-wire UART: every written byte is
// echoed, read requests get a reply, write datagrams bump IFCNT.
type fakeChip struct {
	regs     map[uint8]uint32
	out      bytes.Buffer
	written  [][]byte
	badCRC   bool
	dropNext bool // swallow the next write datagram without counting it
}

func newFakeChip() *fakeChip {
	return &fakeChip{regs: map[uint8]uint32{
		GCONF:    i_scale_analog,
		CHOPCONF: 0x10000053,
	}}
}

func (c *fakeChip) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	c.written = append(c.written, b)
	c.out.Write(b) // echo
	switch len(b) {
	case 4:
		reg := b[2]
		reply := make([]byte, 8)
		reply[0], reply[1], reply[2] = sync, masterAddr, reg
		binary.BigEndian.PutUint32(reply[3:7], c.regs[reg])
		reply[7] = CRC(reply[:7])
		if c.badCRC {
			reply[7] ^= 0xff
		}
		c.out.Write(reply)
	case 8:
		if c.dropNext {
			c.dropNext = false
			return len(p), nil
		}
		c.regs[b[2]&^writeFlag] = binary.BigEndian.Uint32(b[3:7])
		c.regs[IFCNT]++
	}
	return len(p), nil
}

func (c *fakeChip) Read(p []byte) (int, error) {
	return c.out.Read(p)
}

func (c *fakeChip) writes() [][]byte {
	var w [][]byte
	for _, b := range c.written {
		if len(b) == 8 {
			w = append(w, b)
		}
	}
	return w
}

func TestCRC(t *testing.T) {
	tests := []struct {
		data []byte
		want byte
	}{
		{[]byte{0x05, 0x00, 0x00}, 0x48},
		{[]byte{0x05, 0x00, 0x6c}, 0xca},
		{[]byte{0x05, 0x00, 0x80, 0x00, 0x00, 0x00, 0x40}, 0x47},
	}
	for _, tt := range tests {
		if got := CRC(tt.data); got != tt.want {
			t.Errorf("CRC(% x) = %#02x, want %#02x", tt.data, got, tt.want)
		}
	}
}

func TestDatagramLayout(t *testing.T) {
	r := readRequest(2, CHOPCONF)
	if !bytes.Equal(r[:3], []byte{0x05, 0x02, 0x6c}) || len(r) != 4 {
		t.Errorf("read request = % x", r)
	}
	w := writeDatagram(0, GCONF, 0x40)
	want := []byte{0x05, 0x00, 0x80, 0x00, 0x00, 0x00, 0x40, 0x47}
	if !bytes.Equal(w, want) {
		t.Errorf("write datagram = % x, want % x", w, want)
	}
}

func TestRead_DiscardsEcho(t *testing.T) {
	chip := newFakeChip()
	chip.regs[IOIN] = 0x21000040
	d := New(chip, 0, 110)

	v, err := d.Read(IOIN)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0x21000040 {
		t.Errorf("IOIN = %#x", v)
	}
	if chip.out.Len() != 0 {
		t.Errorf("%d bytes left unread", chip.out.Len())
	}
}

func TestRead_BadCRC(t *testing.T) {
	chip := newFakeChip()
	chip.badCRC = true
	d := New(chip, 0, 110)
	if _, err := d.Read(GCONF); err != ErrCRC {
		t.Errorf("err = %v, want ErrCRC", err)
	}
}

func TestWrite_VerifiesIFCNT(t *testing.T) {
	chip := newFakeChip()
	d := New(chip, 0, 110)

	if err := d.Write(GSTAT, 7); err != nil {
		t.Fatalf("Write: %v", err)
	}
	chip.dropNext = true
	if err := d.Write(GSTAT, 7); err == nil {
		t.Error("lost write should be reported")
	}
}

func TestMRES(t *testing.T) {
	tests := []struct {
		micro int
		want  uint32
		ok    bool
	}{
		{256, 0, true},
		{16, 4, true},
		{8, 5, true},
		{1, 8, true},
		{0, 0, false},
		{12, 0, false},
		{512, 0, false},
	}
	for _, tt := range tests {
		got, err := MRES(tt.micro)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("MRES(%d) = %d, %v; want %d ok=%v", tt.micro, got, err, tt.want, tt.ok)
		}
	}
}

func TestComputeIRUN(t *testing.T) {
	tests := []struct {
		current, sense int
		want           byte
	}{
		{600, 110, 9},
		{800, 110, 13},
		{2000, 110, 31},
		{200, 110, 2},
		{0, 110, 0},
	}
	for _, tt := range tests {
		if got := computeIRUN(tt.current, tt.sense); got != tt.want {
			t.Errorf("computeIRUN(%d, %d) = %d, want %d", tt.current, tt.sense, got, tt.want)
		}
	}
}

func TestApply(t *testing.T) {
	chip := newFakeChip()
	d := New(chip, 0, 110)

	if err := d.Apply(16, 800); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	gconf := chip.regs[GCONF]
	if gconf&pdn_disable == 0 || gconf&mstep_reg_select == 0 || gconf&i_scale_analog != 0 {
		t.Errorf("GCONF = %#x", gconf)
	}
	chop := chip.regs[CHOPCONF]
	if (chop>>mres_shift)&0xf != 4 {
		t.Errorf("MRES = %d, want 4", (chop>>mres_shift)&0xf)
	}
	if chop&toff_mask != toff {
		t.Errorf("TOFF = %d, want %d", chop&toff_mask, toff)
	}
	ih := chip.regs[IHOLD_IRUN]
	if irun := (ih >> 8) & 0x1f; irun != 13 {
		t.Errorf("IRUN = %d, want 13", irun)
	}
	if ihold := ih & 0x1f; ihold != 6 {
		t.Errorf("IHOLD = %d, want 6", ihold)
	}
	if n := len(chip.writes()); n != 4 {
		t.Errorf("write datagrams = %d, want 4 (GCONF, GSTAT, CHOPCONF, IHOLD_IRUN)", n)
	}
}

func TestApply_RejectsBadMicrosteps(t *testing.T) {
	chip := newFakeChip()
	d := New(chip, 0, 110)
	if err := d.Apply(10, 600); err == nil {
		t.Error("expected error for 10 microsteps")
	}
}
