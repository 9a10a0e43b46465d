package events

import "testing"

func TestRouteEvent(t *testing.T) {
	cases := []struct {
		name     string
		event    InboundEvent
		wantRoom string
		wantText string
		wantOK   bool
	}{
		{
			name:     "room directive",
			event:    InboundEvent{Content: "cat hello there"},
			wantRoom: "cat",
			wantText: "hello there",
			wantOK:   true,
		},
		{
			name:     "multiline text",
			event:    InboundEvent{Content: "cat line one\nline two"},
			wantRoom: "cat",
			wantText: "line one\nline two",
			wantOK:   true,
		},
		{
			name:   "bare word is ordinary chatter",
			event:  InboundEvent{Content: "hello"},
			wantOK: false,
		},
		{
			name:     "quote continue with trailing double space",
			event:    InboundEvent{Content: "keep going  ", QuotedMessageID: "msg-1"},
			wantRoom: "",
			wantText: "keep going",
			wantOK:   true,
		},
		{
			name:     "quote without suffix falls back to directive",
			event:    InboundEvent{Content: "cat hi", QuotedMessageID: "msg-1"},
			wantRoom: "cat",
			wantText: "hi",
			wantOK:   true,
		},
		{
			name:   "quote continue with only whitespace",
			event:  InboundEvent{Content: "   ", QuotedMessageID: "msg-1"},
			wantOK: false,
		},
		{
			name:     "force text suffix still routes",
			event:    InboundEvent{Content: "cat hi    "},
			wantRoom: "cat",
			wantText: "hi",
			wantOK:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			room, text, ok := routeEvent(tc.event)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if room != tc.wantRoom || text != tc.wantText {
				t.Fatalf("route = (%q, %q), want (%q, %q)", room, text, tc.wantRoom, tc.wantText)
			}
		})
	}
}
