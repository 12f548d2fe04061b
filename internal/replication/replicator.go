package replication

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/uber-go/tally/v4"

	"github.com/roach88/docmap/internal/ir"
)

// DefaultBatchSize is the number of changes read per round trip.
const DefaultBatchSize = 100

// Checkpoints persist how far a replication has read the source feed.
type Checkpoints interface {
	Checkpoint(ctx context.Context, replicationID string) (int64, error)
	SetCheckpoint(ctx context.Context, replicationID string, seq int64) error
}

// Stats counts the work of one replication run.
type Stats struct {
	// Changes is the number of changed documents read from the source.
	Changes int

	// Revisions is the number of revisions written to the target.
	Revisions int

	Attachments int

	// Checkpoint is the source sequence reached.
	Checkpoint int64
}

// Replicator copies every revision the target lacks from source to target.
//
// Each batch reads the source changes feed after the checkpoint, asks the
// target which leaf revisions it is missing, copies each with the ancestors
// the target lacks (oldest first, attachments included) and then advances
// the checkpoint. Copying is idempotent, so an interrupted run is resumed by
// running again.
type Replicator struct {
	ID          string
	Source      Peer
	Target      Peer
	Checkpoints Checkpoints
	BatchSize   int
	Scope       tally.Scope
}

// Run replicates until the source feed is exhausted or ctx is done.
// Revisions written before a failure or cancellation stay written.
func (r *Replicator) Run(ctx context.Context) (Stats, error) {
	scope := r.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	sw := scope.Timer("run_latency").Start()
	defer sw.Stop()

	var stats Stats
	since, err := r.Checkpoints.Checkpoint(ctx, r.ID)
	if err != nil {
		return stats, fmt.Errorf("read checkpoint: %w", err)
	}
	stats.Checkpoint = since

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		changes, err := r.Source.Changes(ctx, since, batch)
		if err != nil {
			return stats, fmt.Errorf("read changes since %d: %w", since, err)
		}
		if len(changes) == 0 {
			return stats, nil
		}
		stats.Changes += len(changes)
		scope.Counter("changes_read").Inc(int64(len(changes)))

		leaves := make(map[string][]ir.Rev, len(changes))
		for _, c := range changes {
			leaves[c.ID] = c.Leaves
		}
		missing, err := r.Target.RevsDiff(ctx, leaves)
		if err != nil {
			return stats, fmt.Errorf("revs diff: %w", err)
		}

		for _, c := range changes {
			revs := missing[c.ID]
			slices.SortFunc(revs, ir.CompareRevs)
			for _, rev := range revs {
				if err := r.copyBranch(ctx, c.ID, rev, &stats, scope); err != nil {
					return stats, err
				}
			}
		}

		since = changes[len(changes)-1].Seq
		if err := r.Checkpoints.SetCheckpoint(ctx, r.ID, since); err != nil {
			return stats, fmt.Errorf("write checkpoint: %w", err)
		}
		stats.Checkpoint = since
		slog.Debug("replicated batch",
			"replication", r.ID,
			"changes", len(changes),
			"checkpoint", since,
		)
	}
}

// copyBranch writes rev and every ancestor of it the target lacks.
func (r *Replicator) copyBranch(ctx context.Context, id string, rev ir.Rev, stats *Stats, scope tally.Scope) error {
	history, err := r.Source.History(ctx, id, rev)
	if err != nil {
		return fmt.Errorf("history of %s %s: %w", id, rev, err)
	}
	missing, err := r.Target.RevsDiff(ctx, map[string][]ir.Rev{id: history})
	if err != nil {
		return fmt.Errorf("revs diff %s: %w", id, err)
	}
	need := missing[id]

	// History is newest first; parents must be written before children.
	for i := len(history) - 1; i >= 0; i-- {
		if !slices.Contains(need, history[i]) {
			continue
		}
		if err := r.copyRevision(ctx, id, history[i], stats, scope); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) copyRevision(ctx context.Context, id string, rev ir.Rev, stats *Stats, scope tally.Scope) error {
	src, err := r.Source.GetRevision(ctx, id, rev)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", id, rev, err)
	}

	names := make([]string, 0, len(src.Attachments))
	for name := range src.Attachments {
		names = append(names, name)
	}
	slices.Sort(names)
	atts := make([]ir.Attachment, 0, len(names))
	for _, name := range names {
		data, err := r.Source.GetAttachment(ctx, id, rev, name)
		if err != nil {
			return fmt.Errorf("read attachment %q of %s %s: %w", name, id, rev, err)
		}
		atts = append(atts, ir.NewAttachment(name, src.Attachments[name].ContentType, data))
	}

	inserted, err := r.Target.ForceInsert(ctx, src.Document, src.Parent, atts)
	if err != nil {
		return fmt.Errorf("write %s %s: %w", id, rev, err)
	}
	if inserted {
		stats.Revisions++
		stats.Attachments += len(atts)
		scope.Counter("revisions_written").Inc(1)
		scope.Counter("attachments_written").Inc(int64(len(atts)))
	}
	return nil
}
