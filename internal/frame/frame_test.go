package frame

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadRequestBasic(t *testing.T) {
	r := NewReader(strings.NewReader("update\r\ncall_id: abc\r\n\r\n"))
	req, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Command != "update" {
		t.Fatalf("command = %q, want update", req.Command)
	}
	if v, ok := req.Header("call_id"); !ok || v != "abc" {
		t.Fatalf("call_id header = %q, %v", v, ok)
	}
}

func TestReadRequestPipelined(t *testing.T) {
	r := NewReader(strings.NewReader("update\r\ncall_id: a\r\n\r\nremove\r\ncall_id: a\r\n\r\n"))
	first, err := r.ReadRequest()
	if err != nil || first.Command != "update" {
		t.Fatalf("first request = %+v, err=%v", first, err)
	}
	second, err := r.ReadRequest()
	if err != nil || second.Command != "remove" {
		t.Fatalf("second request = %+v, err=%v", second, err)
	}
}

func TestReadRequestSkipsMalformedContinuation(t *testing.T) {
	// A line ending in ": " is dropped, not added as a header, and does
	// not terminate the frame either (spec §9 bug-compat note).
	r := NewReader(strings.NewReader("update\r\nbogus: \r\ncall_id: abc\r\n\r\n"))
	req, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Headers) != 1 || req.Headers[0] != "call_id: abc" {
		t.Fatalf("headers = %v, want only call_id", req.Headers)
	}
}

func TestReadRequestEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.ReadRequest(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestWriteRelayCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRelayCommand(&buf, "update", 7, []string{"call_id: abc"}); err != nil {
		t.Fatal(err)
	}
	want := "update 7\r\ncall_id: abc\r\n\r\n\r\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestParseRelayLine(t *testing.T) {
	cases := []struct {
		line    string
		wantOK  bool
		expired bool
		seq     string
		payload string
	}{
		{"0 ok-payload", true, false, "0", "ok-payload"},
		{"0 error", true, false, "0", "error"},
		{`expired {"call_id":"q"}`, true, true, "", `{"call_id":"q"}`},
		{"malformed", false, false, "", ""},
	}
	for _, c := range cases {
		got, ok := ParseRelayLine(c.line)
		if ok != c.wantOK {
			t.Fatalf("%q: ok = %v, want %v", c.line, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if got.Expired != c.expired || got.Seq != c.seq || got.Payload != c.payload {
			t.Fatalf("%q: got %+v", c.line, got)
		}
	}
}
