package gateway

import (
	"testing"

	"github.com/router-for-me/MeteredGateway/internal/pricing"
)

func TestParseUsageLayouts(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    pricing.Usage
		ok      bool
	}{
		{
			name:    "chat completions with cached tokens",
			payload: `{"usage":{"prompt_tokens":120,"completion_tokens":30,"prompt_tokens_details":{"cached_tokens":100}}}`,
			want:    pricing.Usage{InputTokens: 120, OutputTokens: 30, CachedTokens: 100},
			ok:      true,
		},
		{
			name:    "responses event",
			payload: `{"type":"response.completed","response":{"usage":{"input_tokens":50,"output_tokens":7,"input_tokens_details":{"cached_tokens":20}}}}`,
			want:    pricing.Usage{InputTokens: 50, OutputTokens: 7, CachedTokens: 20},
			ok:      true,
		},
		{
			name:    "messages start",
			payload: `{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":40,"cache_creation_input_tokens":5}}}`,
			want:    pricing.Usage{InputTokens: 50, OutputTokens: 1, CachedTokens: 40, CacheCreationTokens: 5},
			ok:      true,
		},
		{name: "no usage", payload: `{"id":"x","choices":[]}`},
		{name: "invalid", payload: `data: nope`},
	}
	for _, tc := range cases {
		got, ok := ParseUsage([]byte(tc.payload))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected %+v/%v, got %+v/%v", tc.name, tc.want, tc.ok, got, ok)
		}
	}
}

func TestStreamUsageMergesMessagesEvents(t *testing.T) {
	var tracker streamUsage
	for _, line := range []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`,
		`data: {"type":"message_delta","usage":{"output_tokens":42}}`,
		`data: [DONE]`,
	} {
		tracker.observeLine([]byte(line))
	}
	got, estimated := tracker.result()
	if estimated {
		t.Fatalf("reported usage must not be estimated")
	}
	if got.InputTokens != 25 || got.OutputTokens != 42 {
		t.Fatalf("unexpected merged usage %+v", got)
	}
}

func TestStreamUsageEstimatesWithoutUsageBlock(t *testing.T) {
	var tracker streamUsage
	tracker.observeLine([]byte(`data: {"choices":[{"delta":{"content":"abcdefgh"}}]}`))
	tracker.observeLine([]byte(`data: {"choices":[{"delta":{"content":"ijkl"}}]}`))
	got, estimated := tracker.result()
	if !estimated {
		t.Fatalf("expected an estimate")
	}
	if got.OutputTokens != 3 || got.InputTokens != 0 {
		t.Fatalf("unexpected estimate %+v", got)
	}

	var empty streamUsage
	if got, estimated := empty.result(); estimated || !got.IsZero() {
		t.Fatalf("empty stream must bill nothing, got %+v", got)
	}
}
