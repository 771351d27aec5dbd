package llm

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts prompt tokens with tiktoken, caching encodings per
// model. When no encoding is available it falls back to the rough
// four-characters-per-token estimate so budgeting still works offline.
type tokenCounter struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{encs: make(map[string]*tiktoken.Tiktoken)}
}

func (tc *tokenCounter) encoding(model string) *tiktoken.Tiktoken {
	key := normalizeModel(model)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if enc, ok := tc.encs[key]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	tc.encs[key] = enc
	return enc
}

// normalizeModel maps provider-prefixed model ids onto tiktoken names.
// Non-OpenAI families tokenize close enough to gpt-4 for budgeting.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")
	switch {
	case strings.HasPrefix(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.HasPrefix(model, "gpt-4"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

func (tc *tokenCounter) count(text, model string) int {
	if enc := tc.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// countChat approximates the request size of a two-message chat: three
// tokens of framing per message plus one per role, and three to prime the
// reply.
func (tc *tokenCounter) countChat(system, user, model string) int {
	const perMessage, perRole, replyPrimer = 3, 1, 3
	n := 2*(perMessage+perRole) + replyPrimer
	n += tc.count("system", model) + tc.count(system, model)
	n += tc.count("user", model) + tc.count(user, model)
	return n
}

// chunk is one budget-sized slice of file content. firstLine is 1-based.
type chunk struct {
	text      string
	firstLine int
}

// chunk splits content on line boundaries so each piece fits the token
// budget. A single line over budget becomes its own chunk; truncating source
// mid-line would corrupt what the model sees.
func (c *Client) chunk(content string, budget int) []chunk {
	lines := strings.Split(content, "\n")
	var (
		out   []chunk
		cur   []string
		start = 1
		used  = 0
	)
	flush := func(next int) {
		if len(cur) == 0 {
			return
		}
		out = append(out, chunk{text: strings.Join(cur, "\n"), firstLine: start})
		cur = cur[:0]
		used = 0
		start = next
	}
	for i, line := range lines {
		n := c.counter.count(line, c.model) + 1
		if used+n > budget && len(cur) > 0 {
			flush(i + 1)
		}
		cur = append(cur, line)
		used += n
	}
	flush(len(lines) + 1)
	if len(out) == 0 {
		out = append(out, chunk{text: content, firstLine: 1})
	}
	return out
}
