package llmclient

import (
	"context"

	"github.com/agensys/reviewbot/internal/template"
)

// Fake is a scripted Client for pipeline tests. Responses are consumed in
// call order; once exhausted, Err (if set) or a zero Response is returned.
type Fake struct {
	Responses []Response
	Errs      []error
	calls     int
	Prompts   []template.Prompt
}

func (f *Fake) Complete(ctx context.Context, model string, maxOutputTokens int, p template.Prompt) (Response, error) {
	idx := f.calls
	f.calls++
	f.Prompts = append(f.Prompts, p)

	var err error
	if idx < len(f.Errs) {
		err = f.Errs[idx]
	}
	if err != nil {
		return Response{}, err
	}
	if idx < len(f.Responses) {
		return f.Responses[idx], nil
	}
	return Response{}, nil
}

// Calls returns how many times Complete was invoked.
func (f *Fake) Calls() int { return f.calls }
