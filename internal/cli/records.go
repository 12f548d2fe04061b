package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/persist"
	"github.com/roach88/docmap/internal/refs"
)

// RecordView is the output form of a record.
type RecordView struct {
	Entity        string              `json:"entity"`
	ID            string              `json:"id"`
	Version       string              `json:"version"`
	Attributes    map[string]any      `json:"attributes"`
	Relationships map[string][]string `json:"relationships,omitempty"`
	Deferred      []string            `json:"deferred,omitempty"`
}

func newRecordView(e *model.Entity, rec ir.Record) RecordView {
	v := RecordView{
		Entity:     rec.Entity,
		ID:         rec.ID,
		Version:    string(rec.Version),
		Attributes: make(map[string]any, len(e.Attributes)),
		Deferred:   rec.Deferred,
	}
	for _, a := range e.Attributes {
		if rec.IsDeferred(a.Name) {
			continue
		}
		v.Attributes[a.Name] = displayValue(rec.Get(a.Name))
	}
	for _, r := range e.Relationships {
		if ids := rec.Relationships[r.Name].IDs; len(ids) > 0 {
			if v.Relationships == nil {
				v.Relationships = make(map[string][]string)
			}
			v.Relationships[r.Name] = ids
		}
	}
	return v
}

// WriteText renders the record one property per line.
func (v RecordView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "%s/%s @ %s\n", v.Entity, v.ID, v.Version)
	names := make([]string, 0, len(v.Attributes))
	for name := range v.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %v\n", name, v.Attributes[name])
	}
	rels := make([]string, 0, len(v.Relationships))
	for name := range v.Relationships {
		rels = append(rels, name)
	}
	sort.Strings(rels)
	for _, name := range rels {
		fmt.Fprintf(w, "  %s -> %s\n", name, strings.Join(v.Relationships[name], ", "))
	}
	for _, name := range v.Deferred {
		fmt.Fprintf(w, "  %s: (not loaded)\n", name)
	}
	return nil
}

// SaveView reports the outcome of a put or delete.
type SaveView struct {
	Op      string `json:"op"`
	Ref     string `json:"ref"`
	Version string `json:"version,omitempty"`
}

func (v SaveView) WriteText(w io.Writer) error {
	if v.Version == "" {
		_, err := fmt.Fprintf(w, "✓ %s %s\n", v.Op, v.Ref)
		return err
	}
	_, err := fmt.Fprintf(w, "✓ %s %s @ %s\n", v.Op, v.Ref, v.Version)
	return err
}

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Set []string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <Entity | Entity/id>",
		Short: "Insert or update a record",
		Long: `Insert a new record of an entity, or update an existing one named as
Entity/id. Only the assigned properties change; the update is saved against
the version just read, so a concurrent save elsewhere fails with a conflict.

Examples:
  docmap put Person --set name=Alice --set age=30
  docmap put Person/0190... --set team=0190... --set photo=@face.png`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Set, "set", "s", nil, "name=value assignment (repeatable)")

	return cmd
}

func runPut(ctx context.Context, opts *PutOptions, target string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()
	c := st.NewContext()

	var rec ir.Record
	var req persist.SaveRequest
	if strings.Contains(target, "/") {
		h, err := refs.ParseHandle(target)
		if err != nil {
			return f.Usage("%v", err)
		}
		if rec, err = c.Fault(ctx, h, nil); err != nil {
			return f.Fail("put", err)
		}
	} else if rec, err = c.NewRecord(target); err != nil {
		return f.Fail("put", err)
	}

	e, _ := st.Model().Entity(rec.Entity)
	for _, expr := range opts.Set {
		if err := assign(&rec, e, expr); err != nil {
			return f.Usage("%v", err)
		}
	}

	op := "updated"
	if rec.Version == "" {
		op = "inserted"
		req.Inserted = []ir.Record{rec}
	} else {
		req.Updated = []ir.Record{rec}
	}
	res, err := c.Execute(ctx, req)
	if err != nil {
		return f.Fail("put", err)
	}
	h := refs.Handle{Entity: rec.Entity, ID: rec.ID}
	return f.Success(SaveView{Op: op, Ref: h.String(), Version: string(res.Versions[rec.ID])})
}

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Properties []string
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "get <Entity/id>",
		Short:         "Show one record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Properties, "properties", "p", nil, "binary attributes to load (default all)")

	return cmd
}

func runGet(ctx context.Context, opts *GetOptions, target string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	h, err := refs.ParseHandle(target)
	if err != nil {
		return f.Usage("%v", err)
	}
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	var props []string
	if cmd.Flags().Changed("properties") {
		props = opts.Properties
		if props == nil {
			props = []string{}
		}
	}
	rec, err := st.NewContext().Fault(ctx, h, props)
	if err != nil {
		return f.Fail("get", err)
	}
	e, _ := st.Model().Entity(rec.Entity)
	return f.Success(newRecordView(e, rec))
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "delete <Entity/id>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDelete(ctx context.Context, opts *RootOptions, target string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	h, err := refs.ParseHandle(target)
	if err != nil {
		return f.Usage("%v", err)
	}
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	c := st.NewContext()
	rec, err := c.Fault(ctx, h, []string{})
	if err != nil {
		return f.Fail("delete", err)
	}
	if _, err := c.Execute(ctx, persist.SaveRequest{Deleted: []ir.Record{rec}}); err != nil {
		return f.Fail("delete", err)
	}
	return f.Success(SaveView{Op: "deleted", Ref: h.String()})
}
