package config

import "testing"

func TestParseColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Color
		wantErr bool
	}{
		{"#FF000055", 0xFF000055, false},
		{"#ff000055", 0xFF000055, false},
		{"0xFF000055", 0xFF000055, false},
		{"255", 255, false},
		{" #00FF00AA ", 0x00FF00AA, false},
		{"#GG000055", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseColor(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseColor(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseColor(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestColorRoundTrip(t *testing.T) {
	t.Parallel()

	c := Color(0x12345678)
	if c.String() != "#12345678" {
		t.Fatalf("unexpected rendering %s", c)
	}
	parsed, err := ParseColor(c.String())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if parsed != c {
		t.Fatalf("round trip mismatch: %v != %v", parsed, c)
	}
}

func TestParseIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    IP
		wantErr bool
	}{
		{"192.168.4.1", IPv4(192, 168, 4, 1), false},
		{"0.0.0.0", IP(0), false},
		{"255.255.255.255", IPv4(255, 255, 255, 255), false},
		{"256.0.0.1", 0, true},
		{"1.2.3", 0, true},
		{"a.b.c.d", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseIP(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIP(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseIP(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIPString(t *testing.T) {
	t.Parallel()

	if got := IPv4(192, 168, 4, 1).String(); got != "192.168.4.1" {
		t.Fatalf("unexpected rendering %s", got)
	}
}

func TestTypeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  Type
		want string
	}{
		{TypeBool, "bool"},
		{TypeInt8, "i8"},
		{TypeUint16, "u16"},
		{TypeUint64, "u64"},
		{TypeString, "string"},
		{TypeBlob, "blob"},
		{TypeColor, "color"},
		{TypeIP, "ip"},
		{Type(99), "type(99)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("Type(%d).String() = %q, want %q", int(tt.typ), got, tt.want)
		}
	}
}

func TestFindAndMustFind(t *testing.T) {
	t.Parallel()

	if Find(KeyUplinkPrimaryHost) == nil {
		t.Fatal("expected descriptor for primary host key")
	}
	if Find("no.such.key") != nil {
		t.Fatal("expected nil for unknown key")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("MustFind should panic for unknown keys")
		}
	}()
	MustFind("no.such.key")
}

func TestItemTableHasPerInstanceCasterKeys(t *testing.T) {
	t.Parallel()

	for _, prefix := range []string{"ntrip.srv", "ntrip.srv2", "ntrip.cli"} {
		for _, suffix := range []string{SuffixActive, SuffixHost, SuffixPort, SuffixMountpoint, SuffixPassword} {
			if Find(prefix+suffix) == nil {
				t.Errorf("missing descriptor %s%s", prefix, suffix)
			}
		}
	}

	port := MustFind(KeyUplinkPrimaryPort)
	if port.Default.(uint16) != DefaultCasterPort {
		t.Fatalf("primary caster port default = %v, want %d", port.Default, DefaultCasterPort)
	}
	if !MustFind(KeyUplinkPrimaryPassword).Secret {
		t.Fatal("caster password must be marked secret")
	}
}
