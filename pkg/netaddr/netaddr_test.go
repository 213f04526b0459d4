package netaddr

import "testing"

func TestParseAndString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		host string
		port uint16
	}{
		{"10.0.0.1:9000", "10.0.0.1", 9000},
		{"[::1]:9001", "::1", 9001},
		{"example.invalid:53", "example.invalid", 53},
	}
	for _, tc := range cases {
		ep, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if ep.Host != tc.host || ep.Port != tc.port {
			t.Fatalf("Parse(%q) = %+v, want host=%q port=%d", tc.in, ep, tc.host, tc.port)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "nocolon", "host:", "host:notaport", ":9000extra:9000"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should have failed", in)
		}
	}
}

func TestEqualOnNormalizedForm(t *testing.T) {
	t.Parallel()
	a, _ := Parse("10.0.0.1:9000")
	b, _ := Parse("10.0.0.1:9000")
	c, _ := Parse("10.0.0.2:9000")
	if !a.Equal(b) {
		t.Fatal("identical endpoints should be equal")
	}
	if a.Equal(c) {
		t.Fatal("different hosts should not be equal")
	}
}

func TestIsZero(t *testing.T) {
	t.Parallel()
	var e Endpoint
	if !e.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	ep, _ := Parse("10.0.0.1:1")
	if ep.IsZero() {
		t.Fatal("parsed endpoint should not report IsZero")
	}
}
