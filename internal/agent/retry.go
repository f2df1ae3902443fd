package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/model"
)

// DefaultMaxAttempts bounds how many times one job's chat may be restarted.
const DefaultMaxAttempts = 40

// ErrInterruptedTooManyTimes is returned when the attempt budget runs out.
var ErrInterruptedTooManyTimes = errors.New("interrupted too many times")

// correctionHeader starts the user message that carries queued corrections.
const correctionHeader = "[User correction]"

// ChatLoop drives one job's chat, restarting it after corrections and recoverable model errors.
type ChatLoop struct {
	Classifier  *Classifier
	Corrections *CorrectionManager
	Slot        *CancelSlot
	Steps       *StepTracker
	Options     model.ChatOptions
	MaxAttempts int
	Events      EventLogger
	Logger      *log.Logger

	// afterDrain runs between draining corrections and arming the cancel slot.
	afterDrain func()
}

// Run calls the model until it answers, the error is unrecoverable, ctx ends or the budget is spent.
func (l *ChatLoop) Run(ctx context.Context, session *model.Session, st *RunState) (*model.Response, error) {
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	slot := l.Slot
	if slot == nil {
		slot = &CancelSlot{}
	}
	opts := l.Options
	if l.Steps != nil {
		opts = l.Steps.Callbacks(opts)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.applyCorrections(session)
		if l.afterDrain != nil {
			l.afterDrain()
		}

		attemptCtx, cancel := context.WithCancelCause(ctx)
		slot.Register(cancel)
		// A correction queued after the drain found no call to cancel.
		if l.Corrections != nil && l.Corrections.Pending() > 0 {
			slot.Clear()
			cancel(ErrCorrection)
			l.Logger.Printf("ChatLoop: attempt %d/%d interrupted by correction", attempt, maxAttempts)
			continue
		}
		resp, err := st.Client.Chat(attemptCtx, st.TargetModel, session, opts)
		slot.Clear()
		cause := context.Cause(attemptCtx)
		cancel(nil)

		if errors.Is(cause, ErrCorrection) && ctx.Err() == nil {
			l.Logger.Printf("ChatLoop: attempt %d/%d interrupted by correction", attempt, maxAttempts)
			continue
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if l.Classifier == nil || l.Classifier.Decide(err, st) != ActionRetry {
			return nil, err
		}
		l.Logger.Printf("ChatLoop: attempt %d/%d failed (%v), retrying with %s", attempt, maxAttempts, err, st.TargetModel)
	}
	return nil, fmt.Errorf("%w (%d attempts)", ErrInterruptedTooManyTimes, maxAttempts)
}

func (l *ChatLoop) applyCorrections(session *model.Session) {
	if l.Corrections == nil {
		return
	}
	texts := l.Corrections.Drain()
	if len(texts) == 0 {
		return
	}
	session.AddUser(FormatCorrections(texts))
	if l.Events != nil {
		l.Events.Log(domain.EventCorrection, map[string]any{"count": len(texts)})
	}
}

// FormatCorrections merges queued corrections into a single user message body.
func FormatCorrections(texts []string) string {
	return correctionHeader + "\n" + strings.Join(texts, "\n\n")
}
