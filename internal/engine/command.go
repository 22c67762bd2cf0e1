package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gnss-relay/internal/skytraq"
)

var (
	ErrCommandTimeout = errors.New("engine: command timeout")
	ErrNackReceived   = errors.New("engine: command rejected by receiver")
)

// AckCode is the message ID echoed in the receiver's Ack or Nack.
type AckCode byte

// NackError reports a command the receiver rejected. It matches
// ErrNackReceived with errors.Is.
type NackError struct {
	Command string
	Code    AckCode
}

func (e *NackError) Error() string {
	return fmt.Sprintf("engine: %s rejected by receiver (nack 0x%02x)", e.Command, byte(e.Code))
}

func (e *NackError) Is(target error) bool {
	return target == ErrNackReceived
}

// pendingCommand is armed fresh for every send. Whoever removes it from
// Engine.pending (the worker on a matching response, or the sender on timeout)
// owns its outcome, so a late response can never reach a later command.
type pendingCommand struct {
	gen   uint64
	msgID byte
	done  chan commandResult
}

type commandResult struct {
	kind  Kind
	code  byte
	valid bool
}

// SendCommand transmits cmd and waits for the matching Ack or Nack.
//
// Streaming delivery is suspended while the command is pending and resumes
// afterwards. Concurrent callers are queued; only one command is ever in
// flight. A Nack returns a *NackError; no response within the command timeout
// returns ErrCommandTimeout. Nothing is retried.
func (e *Engine) SendCommand(ctx context.Context, cmd skytraq.Command) (AckCode, error) {
	if e == nil {
		return 0, fmt.Errorf("engine is nil")
	}
	frame, err := skytraq.Encode(cmd)
	if err != nil {
		return 0, err
	}
	name := describe(cmd)

	select {
	case e.cmdSlot <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.done:
		return 0, ErrClosed
	}
	defer func() { <-e.cmdSlot }()

	if s := e.Snapshot().State; s != stateRunning {
		return 0, fmt.Errorf("%w: state=%s", ErrNotRunning, s)
	}

	p := &pendingCommand{
		gen:   e.gen.Add(1),
		msgID: cmd.MessageID(),
		done:  make(chan commandResult, 1),
	}
	e.stats.commands.Add(1)
	e.pending.Store(p)

	if err := e.tr.Transmit(frame); err != nil {
		e.pending.CompareAndSwap(p, nil)
		return 0, fmt.Errorf("transmit %s: %w", name, err)
	}

	t := time.NewTimer(e.cfg.CommandTimeout)
	defer t.Stop()

	select {
	case r := <-p.done:
		return e.commandOutcome(name, r)
	case <-t.C:
		if r, ok := e.abandon(p); ok {
			return e.commandOutcome(name, r)
		}
		e.stats.commandTimeouts.Add(1)
		err := fmt.Errorf("%w: %s after %s (gen %d)", ErrCommandTimeout, name, e.cfg.CommandTimeout, p.gen)
		e.recordError(err)
		return 0, err
	case <-ctx.Done():
		if r, ok := e.abandon(p); ok {
			return e.commandOutcome(name, r)
		}
		return 0, ctx.Err()
	case <-e.done:
		e.abandon(p)
		return 0, ErrClosed
	}
}

// abandon disarms p. If the worker already claimed it, the result it is
// delivering is returned instead.
func (e *Engine) abandon(p *pendingCommand) (commandResult, bool) {
	if e.pending.CompareAndSwap(p, nil) {
		return commandResult{}, false
	}
	return <-p.done, true
}

// resolve runs on the worker. Responses for a different message ID belong to
// an earlier, abandoned command and are dropped.
func (e *Engine) resolve(p *pendingCommand, m Message) {
	if m.Code != p.msgID {
		e.stats.stale.Add(1)
		log.Printf("engine: ignoring stale %s code=0x%02x while waiting for 0x%02x (gen %d)", m.Kind, m.Code, p.msgID, p.gen)
		return
	}
	if !e.pending.CompareAndSwap(p, nil) {
		return
	}
	p.done <- commandResult{kind: m.Kind, code: m.Code, valid: m.IntegrityValid}
}

func (e *Engine) commandOutcome(name string, r commandResult) (AckCode, error) {
	if !r.valid {
		log.Printf("engine: %s response checksum mismatch, accepting code 0x%02x", name, r.code)
	}
	if r.kind == KindVendorNack {
		e.stats.nacks.Add(1)
		err := &NackError{Command: name, Code: AckCode(r.code)}
		e.recordError(err)
		return AckCode(r.code), err
	}
	return AckCode(r.code), nil
}

func describe(cmd skytraq.Command) string {
	if s, ok := cmd.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("command 0x%02x", cmd.MessageID())
}
