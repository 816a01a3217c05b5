// Raw device traffic recording
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Traffic writes every transfer to and from the device as one line:
//
//	   12.345 > G0X10
//	   12.351 < ok
//	   12.400 > <0x91>
//
// Times are seconds since the recorder was created. Bytes outside
// printable ASCII, the realtime commands among them, are shown in hex.
type Traffic struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
	now   func() time.Time
}

// NewTraffic records to w.
func NewTraffic(w io.Writer) *Traffic {
	return &Traffic{w: w, start: time.Now(), now: time.Now}
}

// Sent records bytes written to the device.
func (t *Traffic) Sent(data []byte) {
	t.record('>', quoteBytes(strings.TrimSuffix(string(data), "\n")))
}

// Received records one line read from the device.
func (t *Traffic) Received(line string) {
	t.record('<', quoteBytes(line))
}

func (t *Traffic) record(dir byte, text string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := t.now().Sub(t.start).Seconds()
	fmt.Fprintf(t.w, "%10.3f %c %s\n", elapsed, dir, text)
}

func quoteBytes(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7f {
			fmt.Fprintf(&sb, "<0x%02x>", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
