package agent

import "fmt"

// LLMError reports an upstream LLM failure that survived the retry
// schedule. It is fatal for the request.
type LLMError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// Cancelled reports a request aborted mid-loop, by client disconnect or
// host shutdown. Stage names the suspension point that observed it.
type Cancelled struct {
	Stage string
	Err   error
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("request cancelled during %s: %v", e.Stage, e.Err)
}

func (e *Cancelled) Unwrap() error { return e.Err }
