package bitfield

import "testing"

type flags struct {
	Anchor bool   `bitfield:",1"`
	Typed  bool   `bitfield:",1"`
	Class  uint32 `bitfield:",6"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   flags
	}{
		{"all zero", flags{}},
		{"anchor only", flags{Anchor: true}},
		{"typed only", flags{Typed: true}},
		{"both flags", flags{Anchor: true, Typed: true}},
		{"with class", flags{Anchor: true, Class: 42}},
		{"max class", flags{Typed: true, Class: 63}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.in, &Config{NumBits: 8})
			if err != nil {
				t.Fatalf("Pack() error = %v", err)
			}

			var out flags
			if err := Unpack(packed, &out); err != nil {
				t.Fatalf("Unpack() error = %v", err)
			}

			if out != tt.in {
				t.Errorf("round trip: got %+v, want %+v", out, tt.in)
			}
		})
	}
}

func TestPackValueTooWide(t *testing.T) {
	_, err := Pack(flags{Class: 64}, &Config{NumBits: 8})
	if err == nil {
		t.Fatal("Pack() expected error for out-of-range field, got nil")
	}
}

func TestPackExceedsNumBits(t *testing.T) {
	type wide struct {
		A uint32 `bitfield:",9"`
	}
	_, err := Pack(wide{A: 500}, &Config{NumBits: 8})
	if err == nil {
		t.Fatal("Pack() expected error when total bits exceed NumBits, got nil")
	}
}
