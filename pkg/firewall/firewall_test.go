package firewall

import (
	"testing"
)

func TestContainsExactAndCIDR(t *testing.T) {
	f, errs := New([]string{"203.0.113.7", "10.0.0.0/8", "2001:db8::1"}, nil)
	if len(errs) != 0 {
		t.Fatalf("load errors: %v", errs)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"203.0.113.7", true},
		{"203.0.113.8", false},
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db8::2", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := f.Contains(tc.addr); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestBadEntriesReportedNotFatal(t *testing.T) {
	f, errs := New([]string{"bogus", "203.0.113.7", "10.0.0.0/33"}, nil)
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	if !f.Contains("203.0.113.7") {
		t.Errorf("good entry lost alongside bad ones")
	}
}

func TestAddRemovePersists(t *testing.T) {
	var saved []string
	f, _ := New(nil, func(entries []string) error {
		saved = append([]string(nil), entries...)
		return nil
	})

	if err := f.Add("198.51.100.0/24"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.Add("203.0.113.7"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !f.Contains("198.51.100.9") {
		t.Errorf("added range not blocking")
	}
	want := []string{"203.0.113.7", "198.51.100.0/24"}
	if len(saved) != 2 || saved[0] != want[0] || saved[1] != want[1] {
		t.Errorf("persisted entries = %v, want %v", saved, want)
	}

	if err := f.Remove("198.51.100.0/24"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if f.Contains("198.51.100.9") {
		t.Errorf("removed range still blocking")
	}
	if err := f.Remove("198.51.100.0/24"); err == nil {
		t.Errorf("double remove reported success")
	}
	if err := f.Add("garbage"); err == nil {
		t.Errorf("garbage entry accepted")
	}
}
