package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/persist"
)

// FetchView is the output of the fetch command. Records is set for the
// records result type, IDs for ids.
type FetchView struct {
	Result  string       `json:"result"`
	Count   int          `json:"count"`
	IDs     []string     `json:"ids,omitempty"`
	Records []RecordView `json:"records,omitempty"`
}

func (v FetchView) WriteText(w io.Writer) error {
	switch v.Result {
	case persist.ResultCount.String():
		fmt.Fprintln(w, v.Count)
	case persist.ResultIDs.String():
		for _, id := range v.IDs {
			fmt.Fprintln(w, id)
		}
	default:
		for _, rec := range v.Records {
			if err := rec.WriteText(w); err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "%d record(s)\n", v.Count)
	}
	return nil
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <spec.yaml | ->",
		Short: "Run a fetch request described in YAML",
		Long: `Run a fetch request read from a YAML file, or from stdin for "-".

Example spec:
  entity: Person
  where:
    and:
      - {field: age, op: ">=", value: 30}
      - {field: name, prefix: "A"}
  sort: [{field: age, desc: true}]
  limit: 10
  result: records   # records | ids | count

Requests the store cannot evaluate fail with REQUEST_NOT_SUPPORTED
before anything is read.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runFetch(ctx context.Context, opts *RootOptions, specPath string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	data, err := readInput(specPath)
	if err != nil {
		return f.Usage("read fetch spec: %v", err)
	}
	st, err := opts.openStore(ctx, f)
	if err != nil {
		return err
	}
	defer st.Close()

	req, err := persist.ParseFetchRequest(st.Model(), data)
	if err != nil {
		return f.Usage("%v", err)
	}
	f.VerboseLog("Fetching %s (%s)", req.Fetch.Entity, req.ResultType)

	res, err := st.NewContext().Execute(ctx, req)
	if err != nil {
		return f.Fail("fetch", err)
	}

	view := FetchView{Result: req.ResultType.String(), Count: res.Count}
	switch req.ResultType {
	case persist.ResultIDs:
		view.IDs = res.IDs
	case persist.ResultRecords:
		e, _ := st.Model().Entity(req.Fetch.Entity)
		for _, rec := range res.Records {
			view.Records = append(view.Records, newRecordView(e, rec))
		}
	}
	return f.Success(view)
}
