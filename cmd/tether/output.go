package main

import (
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"tether/pkg/stream"
)

type eventRecord struct {
	Time   time.Time `json:"time"`
	Event  string    `json:"event"`
	URL    string    `json:"url"`
	Name   string    `json:"name,omitempty"`
	ID     string    `json:"id,omitempty"`
	Data   string    `json:"data,omitempty"`
	Code   uint16    `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// eventWriter prints every event as one JSON line.
type eventWriter struct {
	mu     sync.Mutex
	out    io.Writer
	now    func() time.Time
	logger zerolog.Logger
}

func newEventWriter(out io.Writer, logger zerolog.Logger) *eventWriter {
	return &eventWriter{out: out, now: time.Now, logger: logger}
}

func (w *eventWriter) write(ev stream.Event) {
	rec := eventRecord{
		Time:   w.now().UTC(),
		Event:  ev.Kind.String(),
		URL:    ev.URL,
		Name:   ev.Name,
		ID:     ev.ID,
		Data:   string(ev.Data),
		Code:   uint16(ev.Code),
		Reason: ev.Reason,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}

	data, err := sonic.Marshal(rec)
	if err != nil {
		w.logger.Error().Err(err).Msg("marshal event")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		w.logger.Error().Err(err).Msg("write event")
	}
}

func (w *eventWriter) listener() *stream.Listener {
	return stream.Listen(w.write)
}
