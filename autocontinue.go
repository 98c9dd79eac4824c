package corerun

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// maxParallelToolDispatch caps the number of concurrent tool-call goroutines
// per iteration, avoiding unbounded parallelism when a turn announces many
// calls at once.
const maxParallelToolDispatch = 10

// AutoContinueConfig parameterises the bounded per-run loop, per spec §4.6.
type AutoContinueConfig struct {
	MaxIterations      int           // default 25
	MaxErrorRetries    int           // bounded retries for tool-pairing and overload errors
	FirstTurnCacheWarm time.Duration // short wait before the first credit preflight
}

func (c AutoContinueConfig) withDefaults() AutoContinueConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxErrorRetries <= 0 {
		c.MaxErrorRetries = 3
	}
	if c.FirstTurnCacheWarm <= 0 {
		c.FirstTurnCacheWarm = 200 * time.Millisecond
	}
	return c
}

// CreditChecker reports whether accountID still has a live credit
// reservation for runID, re-checked before every auto-continue iteration.
type CreditChecker interface {
	CheckReservation(ctx context.Context, accountID, runID string) (bool, error)
}

// AutoContinue is §4.6's controller: it drives repeated Orchestrator.RunTurn
// passes for one run, executing announced tool calls between turns and
// stopping once a terminal finish_reason, an unretryable error, or the
// iteration cap is reached.
type AutoContinue struct {
	orch   *Orchestrator
	wb     *WriteBuffer
	credit CreditChecker
	cfg    AutoContinueConfig
	log    *slog.Logger
}

// NewAutoContinue builds an AutoContinue controller. credit may be nil, in
// which case the per-iteration reservation preflight is skipped.
func NewAutoContinue(orch *Orchestrator, wb *WriteBuffer, credit CreditChecker, cfg AutoContinueConfig, log *slog.Logger) *AutoContinue {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &AutoContinue{orch: orch, wb: wb, credit: credit, cfg: cfg.withDefaults(), log: log}
}

// Run drives the loop to completion. It returns nil when a turn halts the
// run, ErrMaxAutoContinue or ErrInsufficientCredits when the iteration cap
// or the credit preflight stops it (both after queueing a stopped status),
// and any other non-nil error for conditions that leave the run failed.
func (a *AutoContinue) Run(ctx context.Context, in TurnInput) error {
	iterations := 0
	errorRetries := 0
	firstTurn := true

	for {
		if iterations >= a.cfg.MaxIterations {
			a.queueStatus(in.RunID, in.ThreadID, in.AccountID, statusEvent(StatusStopped, "", "auto-continue iteration limit reached"))
			return ErrMaxAutoContinue
		}

		if a.credit != nil {
			if firstTurn {
				time.Sleep(a.cfg.FirstTurnCacheWarm)
			}
			ok, err := a.credit.CheckReservation(ctx, in.AccountID, in.RunID)
			if err != nil {
				a.queueError(in.RunID, in.ThreadID, in.AccountID, err)
				return err
			}
			if !ok {
				a.queueStatus(in.RunID, in.ThreadID, in.AccountID, statusEvent(StatusStopped, "", "insufficient credits"))
				return ErrInsufficientCredits
			}
		}
		firstTurn = false

		out, err := a.orch.RunTurn(ctx, in)
		if out.Halted {
			a.queueStatus(in.RunID, in.ThreadID, in.AccountID, statusEvent(StatusStopped, "", out.HaltedStatus))
			return nil
		}
		if err != nil {
			switch KindOf(err) {
			case KindToolPairing:
				errorRetries++
				if errorRetries > a.cfg.MaxErrorRetries {
					a.queueError(in.RunID, in.ThreadID, in.AccountID, err)
					return err
				}
				in.ForceToolFallback = true
				continue
			case KindTransient:
				// Covers the Anthropic-overload case: Orchestrator.dispatch
				// already tried the fallback route internally, so a bounded
				// retry here covers the case where both routes were briefly
				// degraded.
				errorRetries++
				if errorRetries > a.cfg.MaxErrorRetries {
					a.queueError(in.RunID, in.ThreadID, in.AccountID, err)
					return err
				}
				continue
			default:
				a.queueError(in.RunID, in.ThreadID, in.AccountID, err)
				return err
			}
		}
		errorRetries = 0
		in.ForceToolFallback = false
		in.ForceRecalc = false
		in.UserMessage = nil
		in.MemoryContextTokens = 0

		for i := range out.Produced {
			m := out.Produced[i]
			a.wb.Append(in.RunID, in.ThreadID, in.AccountID, PendingWrite{Kind: WriteMessage, RunID: in.RunID, Message: &m, CreatedAt: NowUnix()})
		}

		reason := out.Response.FinishReason
		noContent := out.Response.Content == "" && len(out.Response.ToolCalls) == 0

		switch {
		case reason == FinishToolCalls:
			results := a.executeToolCalls(ctx, in, assistantMessageID(out.Produced), out.Response.ToolCalls)
			in.Pending = append(in.Pending, out.Produced...)
			in.Pending = append(in.Pending, results...)
			for i := range results {
				m := results[i]
				a.wb.Append(in.RunID, in.ThreadID, in.AccountID, PendingWrite{Kind: WriteMessage, RunID: in.RunID, Message: &m, CreatedAt: NowUnix()})
			}
			iterations++
		case reason == FinishLength:
			in.Pending = append(in.Pending, out.Produced...)
			iterations++
		case reason == FinishAgentTerminated, reason == FinishXMLToolLimitReached:
			return nil
		case reason == FinishStop || reason == FinishEndTurn:
			return nil
		case reason == "" && noContent:
			return nil
		default:
			// Unrecognized finish_reason with content produced: treat as a
			// terminal stop rather than loop indefinitely.
			return nil
		}
	}
}

// executeToolCalls runs every announced call through the orchestrator's tool
// registry and returns the resulting tool-result Messages, in call order,
// ready to be appended to in.Pending and queued through the buffer.
// assistantID links each result back to the assistant message that
// announced its call, per the pairing invariant in domain.go. A single call
// runs inline; multiple calls run concurrently through a bounded worker pool
// so a slow tool doesn't serialize the rest of the batch.
func (a *AutoContinue) executeToolCalls(ctx context.Context, in TurnInput, assistantID string, calls []ToolCall) []Message {
	tools := a.orch.Tools()
	exec := func(tc ToolCall) json.RawMessage {
		var result ToolResult
		var err error
		if tools != nil {
			result, err = tools.Execute(ctx, tc.Name, tc.Args)
		} else {
			result = ToolResult{Error: "no tool registry configured"}
		}
		content := result.Content
		if err != nil {
			content = result.Error
			if content == "" {
				content = err.Error()
			}
		} else if result.Error != "" {
			content = result.Error
		}
		body, _ := json.Marshal(content)
		return body
	}

	bodies := make([]json.RawMessage, len(calls))
	if len(calls) == 1 {
		bodies[0] = exec(calls[0])
	} else {
		type work struct {
			idx int
			tc  ToolCall
		}
		workCh := make(chan work, len(calls))
		for i, tc := range calls {
			workCh <- work{i, tc}
		}
		close(workCh)

		workers := min(len(calls), maxParallelToolDispatch)
		var wg sync.WaitGroup
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				for w := range workCh {
					bodies[w.idx] = exec(w.tc)
				}
			}()
		}
		wg.Wait()
	}

	out := make([]Message, 0, len(calls))
	for i, tc := range calls {
		out = append(out, Message{
			ID: NewID(), ThreadID: in.ThreadID, Type: MessageTool,
			Content: bodies[i], ToolCallID: tc.ID, LinkedMessageID: assistantID, CreatedAt: NowUnix(),
		})
	}
	return out
}

// assistantMessageID returns the id of the last assistant message in
// produced, or "" if none is present.
func assistantMessageID(produced []Message) string {
	for i := len(produced) - 1; i >= 0; i-- {
		if produced[i].Type == MessageAssistant {
			return produced[i].ID
		}
	}
	return ""
}

func (a *AutoContinue) queueStatus(runID, threadID, accountID string, ev StreamEvent) {
	body, _ := json.Marshal(ev)
	a.wb.Append(runID, threadID, accountID, PendingWrite{
		Kind: WriteMessage, RunID: runID,
		Message:   &Message{ID: NewID(), ThreadID: threadID, Type: MessageStatus, Content: body, CreatedAt: NowUnix()},
		CreatedAt: NowUnix(),
	})
}

func (a *AutoContinue) queueError(runID, threadID, accountID string, err error) {
	a.queueStatus(runID, threadID, accountID, errorEvent(err.Error()))
	a.log.Warn("auto-continue: run stopped with error", "run_id", runID, "error", err)
}
