package twopc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"txnkv/pkg/logger"
	"txnkv/pkg/metrics"
	"txnkv/pkg/txns"
)

type Vote int

const (
	VoteNo Vote = iota
	VoteYes
)

func (v Vote) String() string {
	if v == VoteYes {
		return "YES"
	}
	return "NO"
}

type State int

const (
	Init State = iota
	Preparing
	Committing
	Aborting
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Preparing:
		return "PREPARING"
	case Committing:
		return "COMMITTING"
	case Aborting:
		return "ABORTING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Participant is one voter of a 2PC round. Finalize must be able to roll
// back a participant that voted YES.
type Participant struct {
	Name     string
	Prepare  func(ctx context.Context) (Vote, error)
	Finalize func(ctx context.Context, commit bool) error
}

// PartialFailure reports participants that could not apply the decision.
type PartialFailure struct {
	Committed bool
	Failed    []string
	Err       error
}

func (e *PartialFailure) Error() string {
	decision := "abort"
	if e.Committed {
		decision = "commit"
	}
	return fmt.Sprintf("2pc %s not applied by %v: %v", decision, e.Failed, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

type Coordinator struct {
	ID           uuid.UUID
	participants []Participant
	state        State
	latch        sync.Mutex
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		ID:    uuid.New(),
		state: Init,
	}
}

func (c *Coordinator) AddParticipant(p Participant) {
	c.latch.Lock()
	defer c.latch.Unlock()
	c.participants = append(c.participants, p)
}

func (c *Coordinator) State() State {
	c.latch.Lock()
	defer c.latch.Unlock()
	return c.state
}

func (c *Coordinator) transit(to State) {
	c.latch.Lock()
	c.state = to
	c.latch.Unlock()
}

// Execute runs both phases. It returns true when every participant voted
// YES. A NO vote or a failed prepare aborts everyone and returns
// ErrParticipantAborted. Failures while delivering the decision come back as
// *PartialFailure next to the decision.
func (c *Coordinator) Execute(ctx context.Context) (bool, error) {
	c.latch.Lock()
	if c.state != Init {
		state := c.state
		c.latch.Unlock()
		return false, errors.Annotatef(txns.ErrInvalidTransactionState, "2pc %v is %v", c.ID, state)
	}
	c.state = Preparing
	participants := append([]Participant(nil), c.participants...)
	c.latch.Unlock()

	votes := Broadcast(ctx, participants, func(ctx context.Context, p Participant) (Vote, error) {
		return p.Prepare(ctx)
	})
	commit := true
	var noVoters []string
	for _, v := range votes {
		if v.Err != nil || v.Value != VoteYes {
			commit = false
			noVoters = append(noVoters, v.Participant)
			if v.Err != nil {
				logger.Inst.Warnw("2pc prepare failed", "id", c.ID, "participant", v.Participant, "err", v.Err)
			}
		}
	}

	if commit {
		c.transit(Committing)
	} else {
		c.transit(Aborting)
	}
	logger.Inst.Infow("2pc decision", "id", c.ID, "commit", commit, "participants", len(participants))

	acks := Broadcast(ctx, participants, func(ctx context.Context, p Participant) (struct{}, error) {
		return struct{}{}, p.Finalize(ctx, commit)
	})
	var failed []string
	var errs error
	for _, ack := range acks {
		if ack.Err != nil {
			failed = append(failed, ack.Participant)
			errs = multierr.Append(errs, errors.Annotatef(ack.Err, "participant %s", ack.Participant))
		}
	}

	if commit {
		c.transit(Committed)
		metrics.TwoPCCounter.WithLabelValues(metrics.OutcomeCommitted).Inc()
	} else {
		c.transit(Aborted)
		metrics.TwoPCCounter.WithLabelValues(metrics.OutcomeAborted).Inc()
	}

	if errs != nil {
		logger.Inst.Errorw("2pc decision not applied everywhere", "id", c.ID, "commit", commit, "failed", failed)
	}

	if !commit {
		// the abort error keeps ErrParticipantAborted as its cause
		if errs != nil {
			return false, errors.Annotatef(txns.ErrParticipantAborted, "2pc %v: %v voted no, %v",
				c.ID, noVoters, &PartialFailure{Committed: false, Failed: failed, Err: errs})
		}
		return false, errors.Annotatef(txns.ErrParticipantAborted, "2pc %v: %v voted no", c.ID, noVoters)
	}
	if errs != nil {
		return true, &PartialFailure{Committed: true, Failed: failed, Err: errs}
	}
	return true, nil
}
