package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docmap/internal/persist"
	"github.com/roach88/docmap/internal/replication"
)

// ReplicateOptions holds flags for pull, push and sync.
type ReplicateOptions struct {
	*RootOptions
	Timeout time.Duration
}

// JobView reports one finished replication job.
type JobView struct {
	JobID       string   `json:"job_id"`
	Direction   string   `json:"direction"`
	Remote      string   `json:"remote"`
	Changes     int      `json:"changes"`
	Revisions   int      `json:"revisions"`
	Attachments int      `json:"attachments"`
	Checkpoint  int64    `json:"checkpoint"`
	Conflicts   []string `json:"conflicts,omitempty"`
}

func newJobView(res replication.Result) JobView {
	v := JobView{
		JobID:       res.JobID,
		Direction:   res.Direction.String(),
		Remote:      res.Remote,
		Changes:     res.Stats.Changes,
		Revisions:   res.Stats.Revisions,
		Attachments: res.Stats.Attachments,
		Checkpoint:  res.Stats.Checkpoint,
	}
	for _, set := range res.Conflicts {
		v.Conflicts = append(v.Conflicts, set.Entity+"/"+set.ID)
	}
	return v
}

func (v JobView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "✓ %s %s: %d change(s), %d revision(s), %d attachment(s)\n",
		v.Direction, v.Remote, v.Changes, v.Revisions, v.Attachments)
	if len(v.Conflicts) > 0 {
		fmt.Fprintf(w, "  %d record(s) in conflict (see docmap conflicts)\n", len(v.Conflicts))
	}
	return nil
}

// SyncView reports a pull and a push run together.
type SyncView struct {
	Pull JobView `json:"pull"`
	Push JobView `json:"push"`
}

func (v SyncView) WriteText(w io.Writer) error {
	if err := v.Pull.WriteText(w); err != nil {
		return err
	}
	return v.Push.WriteText(w)
}

func newReplicateCommand(rootOpts *RootOptions, use, short string, run func(context.Context, *ReplicateOptions, string, *cobra.Command) error) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use + " <remote>",
		Short: short,
		Long: short + `.

The remote is a name from the replication.remotes section of the config,
or a URL (file:///path/to/peer.db).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "cancel the job after this long")

	return cmd
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return newReplicateCommand(rootOpts, "pull", "Copy revisions from a remote into the local store", func(ctx context.Context, opts *ReplicateOptions, remote string, cmd *cobra.Command) error {
		return runReplicate(ctx, opts, replication.Pull, remote, cmd)
	})
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return newReplicateCommand(rootOpts, "push", "Copy revisions from the local store to a remote", func(ctx context.Context, opts *ReplicateOptions, remote string, cmd *cobra.Command) error {
		return runReplicate(ctx, opts, replication.Push, remote, cmd)
	})
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return newReplicateCommand(rootOpts, "sync", "Pull from and push to a remote at the same time", runSync)
}

func runReplicate(ctx context.Context, opts *ReplicateOptions, d replication.Direction, remote string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	url, creds, err := opts.Config.ResolveRemote(remote)
	if err != nil {
		return f.Usage("%v", err)
	}
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	res, err := replicate(ctx, st, d, url, creds, f)
	if err != nil {
		return f.Fail(d.String(), err)
	}
	return f.Success(newJobView(res))
}

func runSync(ctx context.Context, opts *ReplicateOptions, remote string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	url, creds, err := opts.Config.ResolveRemote(remote)
	if err != nil {
		return f.Usage("%v", err)
	}
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var pulled, pushed replication.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pulled, err = replicate(gctx, st, replication.Pull, url, creds, f)
		return err
	})
	g.Go(func() error {
		var err error
		pushed, err = replicate(gctx, st, replication.Push, url, creds, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return f.Fail("sync", err)
	}
	return f.Success(SyncView{Pull: newJobView(pulled), Push: newJobView(pushed)})
}

// replicate runs one job to completion. A job that ran but failed is
// returned as an error.
func replicate(ctx context.Context, st *persist.Store, d replication.Direction, url string, creds replication.Credentials, f *OutputFormatter) (replication.Result, error) {
	newJob := st.Puller
	if d == replication.Push {
		newJob = st.Pusher
	}
	job, err := newJob(ctx, url, creds)
	if err != nil {
		return replication.Result{}, err
	}
	f.VerboseLog("Started %s job %s with %s", d, job.ID, url)

	if err := job.Start(ctx); err != nil {
		return replication.Result{}, err
	}
	res, err := job.Wait(ctx)
	if err != nil {
		job.Cancel()
		return replication.Result{}, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
