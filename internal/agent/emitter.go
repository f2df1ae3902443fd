package agent

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// Emitter writes worker messages to the supervisor, one JSON object per line.
// Send failures are logged and swallowed: a vanished supervisor must not crash the worker.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *log.Logger
	now    func() time.Time
}

// NewEmitter writes to w (the worker's stdout).
func NewEmitter(w io.Writer, logger *log.Logger) *Emitter {
	return &Emitter{w: w, logger: logger, now: time.Now}
}

// Send writes msg as one line.
func (e *Emitter) Send(msg domain.WorkerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Printf("Emitter: encode %s: %v", msg.Type, err)
		return
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		e.logger.Printf("Emitter: send %s: %v", msg.Type, err)
	}
}

// Heartbeat reports liveness.
func (e *Emitter) Heartbeat() {
	e.Send(domain.WorkerMessage{Type: domain.MsgHeartbeat, TS: e.now().UnixMilli()})
}

// Progress relays an intermediate payload.
func (e *Emitter) Progress(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Printf("Emitter: encode progress: %v", err)
		return
	}
	e.Send(domain.WorkerMessage{Type: domain.MsgProgress, Payload: data})
}

// Result reports success.
func (e *Emitter) Result(result any) {
	data, err := json.Marshal(result)
	if err != nil {
		e.Error("encode result: " + err.Error())
		return
	}
	e.Send(domain.WorkerMessage{Type: domain.MsgResult, Result: data})
}

// Error reports failure.
func (e *Emitter) Error(msg string) {
	e.Send(domain.WorkerMessage{Type: domain.MsgError, Error: msg})
}
