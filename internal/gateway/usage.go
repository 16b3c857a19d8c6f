package gateway

import (
	"bytes"

	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/tidwall/gjson"
)

var usageRoots = []string{"usage", "response.usage", "message.usage"}

var cachedPaths = []string{
	"prompt_tokens_details.cache_read_tokens",
	"prompt_tokens_details.cached_tokens",
	"input_tokens_details.cache_read_tokens",
	"input_tokens_details.cached_tokens",
	"input_token_details.cache_read_tokens",
	"input_token_details.cached_tokens",
}

var cacheCreationPaths = []string{
	"prompt_tokens_details.cache_creation_tokens",
	"input_tokens_details.cache_creation_tokens",
	"input_token_details.cache_creation_tokens",
}

// ParseUsage extracts token usage from a response body or a single SSE event payload. It accepts
// chat completion (prompt_tokens), responses (input_tokens, also nested under response.usage) and
// messages (cache_read_input_tokens) layouts. Input tokens are normalized to include cache reads.
func ParseUsage(payload []byte) (pricing.Usage, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return pricing.Usage{}, false
	}
	for _, root := range usageRoots {
		node := gjson.GetBytes(payload, root)
		if !node.IsObject() {
			continue
		}
		if usage, ok := usageFromNode(node); ok {
			return usage, true
		}
	}
	return pricing.Usage{}, false
}

func usageFromNode(node gjson.Result) (pricing.Usage, bool) {
	input := firstInt(node, "prompt_tokens", "input_tokens")
	output := firstInt(node, "completion_tokens", "output_tokens")
	if !input.Exists() && !output.Exists() {
		return pricing.Usage{}, false
	}
	usage := pricing.Usage{
		InputTokens:  input.Int(),
		OutputTokens: output.Int(),
	}
	usage.CachedTokens = firstNonZero(node, cachedPaths...)
	usage.CacheCreationTokens = firstNonZero(node, cacheCreationPaths...)

	// The messages layout reports cache traffic outside input_tokens.
	cacheRead := node.Get("cache_read_input_tokens").Int()
	cacheCreation := node.Get("cache_creation_input_tokens").Int()
	if cacheRead > 0 || cacheCreation > 0 {
		usage.InputTokens += cacheRead
		usage.CachedTokens += cacheRead
		usage.CacheCreationTokens += cacheCreation
	}
	return usage, true
}

func firstInt(node gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := node.Get(path); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstNonZero(node gjson.Result, paths ...string) int64 {
	for _, path := range paths {
		if v := node.Get(path).Int(); v > 0 {
			return v
		}
	}
	return 0
}

// streamUsage accumulates usage across SSE events. Later usage blocks replace earlier ones; when
// none arrives, output tokens are estimated from streamed text.
type streamUsage struct {
	usage       pricing.Usage
	reported    bool
	outputBytes int
	chunks      int
}

var dataPrefix = []byte("data:")

// observeLine inspects one SSE line.
func (s *streamUsage) observeLine(line []byte) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	s.chunks++
	if usage, ok := ParseUsage(data); ok && !usage.IsZero() {
		s.merge(usage)
		return
	}
	parsed := gjson.ParseBytes(data)
	switch parsed.Get("type").String() {
	case "response.output_text.delta":
		s.outputBytes += len(parsed.Get("delta").String())
		return
	case "content_block_delta":
		s.outputBytes += len(parsed.Get("delta.text").String())
		return
	}
	parsed.Get("choices.#.delta.content").ForEach(func(_, value gjson.Result) bool {
		s.outputBytes += len(value.String())
		return true
	})
}

// merge keeps the most complete usage seen so far. The messages layout splits input and output
// across message_start and message_delta, so zero fields never overwrite reported ones.
func (s *streamUsage) merge(usage pricing.Usage) {
	s.reported = true
	if usage.InputTokens > 0 {
		s.usage.InputTokens = usage.InputTokens
	}
	if usage.OutputTokens > 0 {
		s.usage.OutputTokens = usage.OutputTokens
	}
	if usage.CachedTokens > 0 {
		s.usage.CachedTokens = usage.CachedTokens
	}
	if usage.CacheCreationTokens > 0 {
		s.usage.CacheCreationTokens = usage.CacheCreationTokens
	}
}

// result returns reported usage, or an estimate of roughly four bytes per output token with input
// at a tenth of output when the stream carried content but no usage block.
func (s *streamUsage) result() (pricing.Usage, bool) {
	if s.reported {
		return s.usage, false
	}
	if s.outputBytes == 0 && s.chunks == 0 {
		return pricing.Usage{}, false
	}
	output := int64((s.outputBytes + 3) / 4)
	if output == 0 {
		output = int64(s.chunks) * 10
	}
	return pricing.Usage{InputTokens: output / 10, OutputTokens: output}, true
}
