package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"channel-relay/internal/domain"
)

const (
	defaultMaxWorkers     = 8
	defaultBackendTimeout = 2 * time.Minute

	msgBackendFailure = "!An error occurred. Please wait a moment and try again."
)

type dispatchJob struct {
	id          domain.ConversationID
	input       string
	captured    int
	bufferEpoch uint64
	botAuthor   bool
}

// Dispatcher runs backend calls off the message path. Calls for different
// channels run in parallel up to the worker limit; the busy flag set by the
// aggregator keeps each channel to one call at a time.
type Dispatcher struct {
	states   *stateRegistry
	backend  Backend
	store    ConversationStore
	channels ChannelRegistry
	sender   Sender
	archive  TurnArchive
	logger   *slog.Logger

	sem      *semaphore.Weighted
	botDelay time.Duration
	timeout  time.Duration
	wg       sync.WaitGroup

	last atomic.Pointer[domain.DispatchMetadata]
	now  func() time.Time
}

func newDispatcher(states *stateRegistry, deps Dependencies, opts Options, logger *slog.Logger) *Dispatcher {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	timeout := opts.BackendTimeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &Dispatcher{
		states:   states,
		backend:  deps.Backend,
		store:    deps.Store,
		channels: deps.Channels,
		sender:   deps.Sender,
		archive:  deps.Archive,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(workers)),
		botDelay: opts.BotReplyDelay,
		timeout:  timeout,
		now:      time.Now,
	}
}

// LastMetadata returns the metadata of the most recent successful dispatch
// across all channels, or nil before the first one.
func (d *Dispatcher) LastMetadata() *domain.DispatchMetadata {
	return d.last.Load()
}

// Wait blocks until every scheduled dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) schedule(ctx context.Context, job dispatchJob) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, job)
	}()
}

func (d *Dispatcher) run(ctx context.Context, job dispatchJob) {
	st := d.states.getOrCreate(job.id)
	log := d.logger.With("conversation", job.id.String())

	release := sync.OnceFunc(func() {
		st.mu.Lock()
		st.busy = false
		st.mu.Unlock()
	})
	defer release()
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", fmt.Sprint(r))
			d.notify(ctx, job.id, msgBackendFailure)
		}
	}()

	if job.botAuthor && d.botDelay > 0 {
		t := time.NewTimer(d.botDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Warn("dispatch abandoned during reply delay", "err", ctx.Err())
			return
		case <-t.C:
		}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		log.Warn("dispatch abandoned waiting for worker", "err", err)
		return
	}
	defer d.sem.Release(1)

	if err := d.sender.Typing(ctx, job.id); err != nil {
		log.Debug("typing indicator failed", "err", err)
	}

	instruction, err := d.store.EnsureInstruction(ctx, job.id)
	if err != nil {
		log.Error("dispatch failed", "err", newError(ErrorIO, "instruction_read_failed", err))
		d.notify(ctx, job.id, msgBackendFailure)
		return
	}

	history, epoch, err := d.openConversation(ctx, st, job.id)
	if err != nil {
		log.Error("dispatch failed", "err", newError(ErrorIO, "transcript_restore_failed", err))
		d.notify(ctx, job.id, msgBackendFailure)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	reply, err := d.backend.Send(callCtx, domain.BackendRequest{
		Instruction: instruction,
		History:     history,
		Input:       job.input,
	})
	cancel()
	if err != nil {
		log.Error("dispatch failed", "err", newError(ErrorBackend, "backend_call_failed", err))
		d.notify(ctx, job.id, msgBackendFailure)
		return
	}

	if !d.channels.IsAllowed(job.id.GuildID, job.id.ChannelID) {
		log.Info("discarding reply for channel no longer allowed")
		return
	}

	transcript, committed := d.commit(st, job, epoch, reply.Text)

	meta := domain.DispatchMetadata{
		ID:             newUUID(),
		ConversationID: job.id,
		Model:          reply.Model,
		Usage:          reply.Usage,
		At:             d.now(),
	}
	d.last.Store(&meta)

	d.notify(ctx, job.id, reply.Text)
	log.Info("dispatch complete", "dispatch_id", meta.ID, "total_tokens", meta.Usage.TotalTokens, "committed", committed)

	if committed {
		if err := d.store.SaveTranscript(ctx, job.id, transcript); err != nil {
			log.Error("autosave transcript failed", "err", err)
		}
	}
	// Free the channel before the archive round trip.
	release()

	if d.archive != nil {
		if err := d.archive.RecordTurn(ctx, job.id, meta, job.input, reply.Text); err != nil {
			log.Error("archive turn failed", "dispatch_id", meta.ID, "err", err)
		}
	}
}

// openConversation makes sure the channel has a live conversation and returns
// a copy of its transcript with the epoch it was read at. It fails when the
// autosaved transcript exists but cannot be read.
func (d *Dispatcher) openConversation(ctx context.Context, st *channelState, id domain.ConversationID) (domain.Transcript, uint64, error) {
	if err := ensureRestored(ctx, st, id, d.store, d.logger); err != nil {
		return nil, 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.hasConversation {
		st.hasConversation = true
		st.transcript = domain.Transcript{}
	}
	return st.transcript.Clone(), st.transcriptEpoch, nil
}

// commit records a successful exchange. The transcript is only extended if no
// reset or load happened during the call, and only the buffer entries that
// were sent are dropped.
func (d *Dispatcher) commit(st *channelState, job dispatchJob, epoch uint64, replyText string) (domain.Transcript, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	committed := false
	if st.transcriptEpoch == epoch && st.hasConversation {
		st.transcript = append(st.transcript,
			domain.Turn{Role: domain.RoleUser, Parts: []string{job.input}},
			domain.Turn{Role: domain.RoleModel, Parts: []string{replyText}},
		)
		committed = true
	}
	if st.bufferEpoch == job.bufferEpoch {
		st.dropSent(job.captured)
	}
	return st.transcript.Clone(), committed
}

func (d *Dispatcher) notify(ctx context.Context, id domain.ConversationID, text string) {
	if err := d.sender.SendText(ctx, id, text); err != nil {
		d.logger.Error("send message failed", "conversation", id.String(), "err", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
