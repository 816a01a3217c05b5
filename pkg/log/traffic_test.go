// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"testing"
	"time"
)

func TestTraffic(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTraffic(&buf)
	base := tr.start
	tick := 0
	tr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 250 * time.Millisecond)
	}

	tr.Sent([]byte("G0X10\n"))
	tr.Received("ok")
	tr.Sent([]byte{0x91})
	tr.Sent([]byte("?"))
	tr.Received("<Idle|MPos:0.000,0.000,0.000>")

	want := "     0.250 > G0X10\n" +
		"     0.500 < ok\n" +
		"     0.750 > <0x91>\n" +
		"     1.000 > ?\n" +
		"     1.250 < <Idle|MPos:0.000,0.000,0.000>\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestTrafficNil(t *testing.T) {
	var tr *Traffic
	tr.Sent([]byte("G0\n"))
	tr.Received("ok")
}

func TestQuoteBytes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$H", "$H"},
		{"\x18", "<0x18>"},
		{"a\rb", "a<0x0d>b"},
		{"\xa0", "<0xa0>"},
	}
	for _, tt := range tests {
		if got := quoteBytes(tt.in); got != tt.want {
			t.Errorf("quoteBytes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
