package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// ConflictView is the output form of a conflict set.
type ConflictView struct {
	ID        string         `json:"id"`
	Entity    string         `json:"entity"`
	Divergent []string       `json:"divergent"`
	Revisions []RevisionView `json:"revisions"`
}

// RevisionView is one competing revision. The first is the current winner.
type RevisionView struct {
	Rev    string     `json:"rev"`
	Record RecordView `json:"record"`
}

func newConflictView(m *model.Model, set conflict.Set) ConflictView {
	e, _ := m.Entity(set.Entity)
	v := ConflictView{ID: set.ID, Entity: set.Entity, Divergent: set.Divergent}
	for _, rev := range set.Revisions {
		v.Revisions = append(v.Revisions, RevisionView{Rev: string(rev.Rev), Record: newRecordView(e, rev.Record)})
	}
	return v
}

// ConflictList is the output of the conflicts command.
type ConflictList struct {
	Conflicts []ConflictView `json:"conflicts"`
}

func (l ConflictList) WriteText(w io.Writer) error {
	if len(l.Conflicts) == 0 {
		_, err := fmt.Fprintln(w, "No conflicts.")
		return err
	}
	for _, c := range l.Conflicts {
		fmt.Fprintf(w, "%s/%s: %d revisions, divergent: %s\n", c.Entity, c.ID, len(c.Revisions), strings.Join(c.Divergent, ", "))
		for i, rev := range c.Revisions {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %s", marker, rev.Rev)
			for _, name := range c.Divergent {
				if v, ok := rev.Record.Attributes[name]; ok {
					fmt.Fprintf(w, " %s=%v", name, v)
				} else {
					fmt.Fprintf(w, " %s=%v", name, rev.Record.Relationships[name])
				}
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicted records",
		Long: `List every record with more than one live revision, with the
properties that differ between them. The current winner is marked with *.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(cmd.Context(), rootOpts, cmd)
		},
	}
	return cmd
}

func runConflicts(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	sets, err := st.NewContext().Conflicts(ctx)
	if err != nil {
		return f.Fail("conflicts", err)
	}
	list := ConflictList{Conflicts: []ConflictView{}}
	for _, set := range sets {
		list.Conflicts = append(list.Conflicts, newConflictView(st.Model(), set))
	}
	return f.Success(list)
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Pick  string
	Merge bool
	Set   []string
}

// ResolveView reports a resolution.
type ResolveView struct {
	ID      string   `json:"id"`
	From    string   `json:"from"`
	Merged  bool     `json:"merged"`
	Version string   `json:"version"`
	Removed []string `json:"removed"`
}

func (v ResolveView) WriteText(w io.Writer) error {
	how := "kept"
	if v.Merged {
		how = "merged from"
	}
	_, err := fmt.Fprintf(w, "✓ Resolved %s: %s %s, now at %s (%d revision(s) removed)\n",
		v.ID, how, v.From, v.Version, len(v.Removed))
	return err
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflicted record",
		Long: `Resolve the conflict of one record by keeping one revision, or by
merging all revisions starting from it (--merge). Ordered to-many
relationships are merged by the conflicts.relationships policy of the config.
Assignments given with --set are applied to the result before it is saved.

Without --pick the current winner is used.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Pick, "pick", "", "revision to keep or merge from")
	cmd.Flags().BoolVar(&opts.Merge, "merge", false, "merge all revisions")
	cmd.Flags().StringArrayVarP(&opts.Set, "set", "s", nil, "name=value assignment applied to the result (repeatable)")

	return cmd
}

func runResolve(ctx context.Context, opts *ResolveOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	c := st.NewContext()
	sets, err := c.Conflicts(ctx)
	if err != nil {
		return f.Fail("resolve", err)
	}
	idx := slices.IndexFunc(sets, func(s conflict.Set) bool { return s.ID == id })
	if idx < 0 {
		return f.Usage("%s is not in conflict", id)
	}
	set := sets[idx]

	pick := 0
	if opts.Pick != "" {
		pick = slices.Index(set.Leaves(), ir.Rev(opts.Pick))
		if pick < 0 {
			return f.Usage("%s has no revision %s", id, opts.Pick)
		}
	}

	var winner ir.Record
	if opts.Merge {
		winner, err = c.Merge(set, pick, opts.Config.Policy())
	} else {
		winner, _, err = conflict.Pick(set, pick)
	}
	if err != nil {
		return f.Fail("resolve", err)
	}
	e, _ := st.Model().Entity(set.Entity)
	for _, expr := range opts.Set {
		if err := assign(&winner, e, expr); err != nil {
			return f.Usage("%v", err)
		}
	}

	from := set.Revisions[pick].Rev
	rev, err := c.Resolve(ctx, set, winner, from)
	if err != nil {
		return f.Fail("resolve", err)
	}
	view := ResolveView{ID: id, From: string(from), Merged: opts.Merge, Version: string(rev), Removed: []string{}}
	for _, leaf := range set.Leaves() {
		if leaf != from {
			view.Removed = append(view.Removed, string(leaf))
		}
	}
	return f.Success(view)
}
