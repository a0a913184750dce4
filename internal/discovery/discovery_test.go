package discovery

import (
	"reflect"
	"testing"
)

func TestCleanInstance(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`mpmd\ on\ n310`, "mpmd on n310"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, c := range cases {
		if got := cleanInstance(c.in); got != c.want {
			t.Errorf("cleanInstance(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTXTRoundTrip(t *testing.T) {
	info := map[string]string{
		"product": "n310",
		"serial":  "31FFA42",
		"type":    "n3xx",
	}
	txt := txtRecords(info)
	want := []string{"product=n310", "serial=31FFA42", "type=n3xx"}
	if !reflect.DeepEqual(txt, want) {
		t.Fatalf("txtRecords = %v, want %v", txt, want)
	}
	back := ParseTXT(txt)
	if !reflect.DeepEqual(back, info) {
		t.Fatalf("ParseTXT = %v, want %v", back, info)
	}
}

func TestParseTXTSkipsMalformed(t *testing.T) {
	got := ParseTXT([]string{"product=n310", "garbage", "claimed=false"})
	if len(got) != 2 || got["product"] != "n310" || got["claimed"] != "false" {
		t.Fatalf("unexpected parse result: %v", got)
	}
}
