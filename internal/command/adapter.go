// Package command turns natural-language prompts into parameter changes by
// asking a chat model.
package command

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/params"
	"github.com/sirupsen/logrus"
)

// Generator is the part of an eino chat model the adapter needs.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Request is one chat prompt.
type Request struct {
	RequesterID string
	Username    string
	Prompt      string
}

// Result is a finished prompt. Changes are the model's proposal before the
// store filters unknown names and clamps.
type Result struct {
	Request  Request
	Changes  map[string]float64
	Rejected []string
	Reply    string
	Snapshot params.Snapshot
	Duration time.Duration
	Err      error
}

// SnapshotFunc returns the current parameter set. It is called when a prompt
// starts processing, not when it is queued.
type SnapshotFunc func() params.Snapshot

// DeliverFunc hands a result back to the hub loop.
type DeliverFunc func(Result)

// Adapter runs prompts FIFO per requester and concurrently across requesters.
type Adapter struct {
	gen      Generator
	snapshot SnapshotFunc
	deliver  DeliverFunc
	logger   *logrus.Entry
	timeout  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]Request
	closed bool
}

// New creates an adapter. A zero timeout means no per-prompt deadline.
func New(gen Generator, snapshot SnapshotFunc, deliver DeliverFunc, timeout time.Duration, logger *logrus.Entry) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		gen:      gen,
		snapshot: snapshot,
		deliver:  deliver,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string][]Request),
	}
	a.timeout.Store(int64(timeout))
	return a
}

// SetTimeout changes the deadline for prompts started from now on.
func (a *Adapter) SetTimeout(d time.Duration) { a.timeout.Store(int64(d)) }

// Timeout returns the per-prompt deadline.
func (a *Adapter) Timeout() time.Duration { return time.Duration(a.timeout.Load()) }

// HandlePrompt queues req behind the requester's earlier prompts and returns
// its position, 0 meaning it starts now.
func (a *Adapter) HandlePrompt(req Request) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return -1
	}
	q, running := a.queues[req.RequesterID]
	a.queues[req.RequesterID] = append(q, req)
	if !running {
		a.wg.Add(1)
		go a.worker(req.RequesterID)
	}
	return len(q)
}

// Drop discards the requester's queued prompts. A prompt already running
// finishes and is delivered.
func (a *Adapter) Drop(requesterID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[requesterID]
	if !ok || len(q) <= 1 {
		return 0
	}
	a.queues[requesterID] = q[:1]
	return len(q) - 1
}

// Pending returns the number of queued or running prompts for requesterID.
func (a *Adapter) Pending(requesterID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[requesterID])
}

// Close cancels running prompts and waits for workers to exit.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// worker drains one requester's queue. The head of the queue is the running
// prompt and is removed only after it is delivered.
func (a *Adapter) worker(requesterID string) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		q := a.queues[requesterID]
		if len(q) == 0 || a.closed {
			delete(a.queues, requesterID)
			a.mu.Unlock()
			return
		}
		req := q[0]
		a.mu.Unlock()

		res := a.run(req)
		if a.ctx.Err() == nil {
			a.deliver(res)
		}

		a.mu.Lock()
		if q := a.queues[requesterID]; len(q) > 0 {
			a.queues[requesterID] = q[1:]
		}
		a.mu.Unlock()
	}
}

func (a *Adapter) run(req Request) Result {
	start := time.Now()
	res := Result{Request: req, Snapshot: a.snapshot()}
	logger := a.logger.WithFields(logrus.Fields{
		"requester": req.RequesterID,
		"username":  req.Username,
	})

	ctx := a.ctx
	timeout := a.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages, err := BuildMessages(ctx, req.Prompt, res.Snapshot)
	if err != nil {
		res.Err = errors.Wrap(err, errors.ErrCodeInternal, "failed to build prompt")
		res.Duration = time.Since(start)
		return res
	}

	logger.WithField("params", len(res.Snapshot.Params)).Debug("Calling language model")
	out, err := a.gen.Generate(ctx, messages)
	res.Duration = time.Since(start)
	switch {
	case err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = errors.LLMTimeout(timeout)
	case err != nil:
		res.Err = errors.LLMFailed(err)
	case out == nil:
		res.Err = errors.LLMMalformed(stderrors.New("model returned no message"))
	default:
		res.Reply = out.Content
		res.Changes, res.Rejected, res.Err = ParseReply(out.Content)
	}

	if res.Err != nil {
		logger.WithError(res.Err).WithField("duration", res.Duration).Warn("Chat command failed")
	} else {
		logger.WithFields(logrus.Fields{
			"changes":  len(res.Changes),
			"duration": res.Duration,
		}).Info("Chat command answered")
	}
	return res
}
