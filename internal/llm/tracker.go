package llm

import "sync"

// Usage is accumulated token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Calls            int `json:"api_calls"`
}

// Tracker accumulates usage across completions.
type Tracker struct {
	mu sync.Mutex
	u  Usage
}

func (t *Tracker) Record(prompt, completion int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.u.PromptTokens += prompt
	t.u.CompletionTokens += completion
	t.u.TotalTokens = t.u.PromptTokens + t.u.CompletionTokens
	t.u.Calls++
	t.mu.Unlock()
}

func (t *Tracker) Usage() Usage {
	if t == nil {
		return Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.u
}
