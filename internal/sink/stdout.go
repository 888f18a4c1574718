package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"polymarket-monitor/pkg/events"
)

// Stdout writes each event as one JSON line.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdout() *Stdout {
	return &Stdout{w: os.Stdout}
}

func (s *Stdout) Publish(ctx context.Context, event *events.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(s.w, string(data))
	return err
}
