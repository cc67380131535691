package router

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

// checkpoint is a batch of queued writes taken off a room.
type checkpoint struct {
	timeline []internal.TimelineEntry
	scores   []internal.FinalScore
}

func (c checkpoint) empty() bool {
	return len(c.timeline) == 0 && len(c.scores) == 0
}

// drain takes the room's queued writes. Only one batch per room is in flight
// at a time, which keeps timeline order intact across retries. Callers hold
// the room lock.
func (r *Router) drain(room *internal.GameRoom) checkpoint {
	if room.Flushing {
		return checkpoint{}
	}
	cp := checkpoint{timeline: room.UnflushedTimeline, scores: room.UnflushedScores}
	if cp.empty() {
		return cp
	}
	room.UnflushedTimeline, room.UnflushedScores = nil, nil
	room.Flushing = true
	return cp
}

// persist writes a drained batch without holding the room lock. On failure
// the unwritten remainder goes back to the front of the queue for the next
// checkpoint, and supervisors are warned once failures pile up.
func (r *Router) persist(ctx context.Context, room *internal.GameRoom, cp checkpoint) {
	if cp.empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()

	var err error
	written := 0
	for _, entry := range cp.timeline {
		if err = r.store.PersistTimelineEvent(ctx, room.Id, entry); err != nil {
			break
		}
		written++
	}
	scoresSaved := len(cp.scores) == 0
	if err == nil && !scoresSaved {
		err = r.store.PersistFinalScores(ctx, room.Id, cp.scores)
		scoresSaved = err == nil
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()
	room.Flushing = false

	if err == nil {
		room.PersistFailures = 0
		log.Debug().Str("game_id", room.Id).Int("timeline", written).Int("scores", len(cp.scores)).Msg("checkpoint persisted")
		return
	}

	room.UnflushedTimeline = append(slices.Clone(cp.timeline[written:]), room.UnflushedTimeline...)
	if !scoresSaved && len(room.UnflushedScores) == 0 {
		room.UnflushedScores = cp.scores
	}
	room.PersistFailures++
	if errs.KindOf(err) == "" {
		err = errs.Persistence(err, "persist checkpoint for game %s", room.Id)
	}
	log.Error().Err(err).Str("game_id", room.Id).Int("failures", room.PersistFailures).
		Int("queued", len(room.UnflushedTimeline)).Msg("checkpoint failed, will retry at next checkpoint")

	if room.PersistFailures >= r.opts.PersistWarnAfter && !room.Closed {
		r.toSupervisors(room, internal.EventWarning, internal.WarningData{
			Message: fmt.Sprintf("game %s: %d consecutive persistence failures, state is only held in memory", room.Id, room.PersistFailures),
		})
	}
}
