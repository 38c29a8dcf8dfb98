package ocr

import (
	"context"
	"sync"
	"time"
)

// StubResponse is the canned answer for one page segmentation mode
type StubResponse struct {
	Text  string
	Words []Word
	Err   error
	Delay time.Duration
}

// Stub is a deterministic Recognizer keyed by page segmentation mode.
// Modes without a response fail with ErrNoResponse.
type Stub struct {
	mu        sync.Mutex
	responses map[PageSegMode]StubResponse
	calls     []Config
}

// ErrNoResponse is returned by Stub for modes it has no answer for
var ErrNoResponse = stubError("stub: no response for mode")

type stubError string

func (e stubError) Error() string { return string(e) }

func NewStub(responses map[PageSegMode]StubResponse) *Stub {
	if responses == nil {
		responses = map[PageSegMode]StubResponse{}
	}
	return &Stub{responses: responses}
}

func (s *Stub) Text(ctx context.Context, _ []byte, cfg Config) (string, error) {
	r, err := s.respond(ctx, cfg)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

func (s *Stub) Words(ctx context.Context, _ []byte, cfg Config) ([]Word, error) {
	r, err := s.respond(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return r.Words, nil
}

// Calls returns the configs seen so far, in arrival order
func (s *Stub) Calls() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Config(nil), s.calls...)
}

func (s *Stub) respond(ctx context.Context, cfg Config) (StubResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cfg)
	r, ok := s.responses[cfg.Mode]
	s.mu.Unlock()

	if !ok {
		return StubResponse{}, ErrNoResponse
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return StubResponse{}, ctx.Err()
		}
	}
	if r.Err != nil {
		return StubResponse{}, r.Err
	}
	return r, nil
}
