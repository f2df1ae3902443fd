package agent

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// ErrCorrection is the cancellation cause used when a live correction interrupts a model call.
var ErrCorrection = errors.New("interrupted by user correction")

// CancelSlot holds the cancel function of the model call currently in flight, if any.
type CancelSlot struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// Register installs cancel as the current call's cancel function.
func (s *CancelSlot) Register(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Clear empties the slot.
func (s *CancelSlot) Clear() {
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// Cancel cancels the registered call with cause. Returns false when no call is in flight.
func (s *CancelSlot) Cancel(cause error) bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(cause)
	return true
}

// CorrectionManager queues corrections addressed to one role and interrupts the in-flight call.
type CorrectionManager struct {
	role   string
	slot   *CancelSlot
	logger *log.Logger

	mu      sync.Mutex
	pending []string
}

// NewCorrectionManager creates a manager accepting corrections targeted at role or "all".
func NewCorrectionManager(role string, slot *CancelSlot, logger *log.Logger) *CorrectionManager {
	return &CorrectionManager{role: role, slot: slot, logger: logger}
}

// HandleEntry is the inbox callback. Entries of other types or for other roles are ignored.
func (m *CorrectionManager) HandleEntry(e domain.InboxEntry) {
	if e.Type != domain.EntryCorrection {
		return
	}
	target := e.Target
	if target == "" {
		target = domain.TargetAll
	}
	if target != domain.TargetAll && target != m.role {
		return
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}

	m.mu.Lock()
	m.pending = append(m.pending, text)
	m.mu.Unlock()

	if m.slot != nil && m.slot.Cancel(ErrCorrection) {
		m.logger.Printf("CorrectionManager: interrupted active call for correction %q", e.ID)
	}
}

// Drain removes and returns all queued corrections in arrival order.
func (m *CorrectionManager) Drain() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Pending returns the number of queued corrections.
func (m *CorrectionManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
