package main

import (
	"strings"
	"testing"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "state init",
			in:   `{"type":"state_init","data":{"received":4,"rejected":1,"queued":3,"delivered":2,"failed":1,"dropped":0,"queue_length":0}}`,
			want: "[STATE] received=4 rejected=1 queued=3 delivered=2 failed=1 dropped=0 queue=0",
		},
		{
			name: "delivered",
			in:   `{"type":"delivery_succeeded","data":{"delivery_id":"x","source":"osc","command":"CmdQuickPlay()","attempts":1,"status":200,"response":"ok","latency_ms":12}}`,
			want: `[DELIVERED] CmdQuickPlay() via osc status=200 attempts=1 latency=12ms response="ok"`,
		},
		{
			name: "failed",
			in:   `{"type":"delivery_failed","data":{"delivery_id":"x","source":"ipc","command":"CmdFadeToBlack()","attempts":3,"error":"refused","latency_ms":0}}`,
			want: "[FAILED] CmdFadeToBlack() via ipc attempts=3 error=refused",
		},
		{
			name: "dropped",
			in:   `{"type":"delivery_dropped","data":{"delivery_id":"x","source":"schedule","command":"CmdFadeToBlack()","error":"queue full","latency_ms":0}}`,
			want: "[DROPPED] CmdFadeToBlack() via schedule error=queue full",
		},
		{
			name: "not json",
			in:   `hello`,
			want: "[TEXT] hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEvent([]byte(tt.in)); got != tt.want {
				t.Fatalf("formatEvent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatEvent_UnknownTypePrettyPrinted(t *testing.T) {
	got := formatEvent([]byte(`{"type":"other","data":{"a":1}}`))
	if !strings.Contains(got, "\n") || !strings.Contains(got, `"type": "other"`) {
		t.Fatalf("formatEvent = %q, want indented JSON", got)
	}
}
