package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/compiler"
	"github.com/roach88/docmap/internal/model"
)

// ModelOptions holds flags for the model command.
type ModelOptions struct {
	*RootOptions
	Output string // output file path
}

// ModelView is the compiled model in output form.
type ModelView struct {
	Entities []EntityView `json:"entities"`
}

// EntityView describes one entity.
type EntityView struct {
	Name          string             `json:"name"`
	Attributes    []AttributeView    `json:"attributes"`
	Relationships []RelationshipView `json:"relationships,omitempty"`
}

// AttributeView describes one attribute.
type AttributeView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Indexed     bool   `json:"indexed,omitempty"`
	Default     any    `json:"default,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RelationshipView describes one relationship.
type RelationshipView struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	ToMany  bool   `json:"to_many,omitempty"`
	Ordered bool   `json:"ordered,omitempty"`
	Inverse string `json:"inverse,omitempty"`
}

func newModelView(m *model.Model) ModelView {
	v := ModelView{Entities: []EntityView{}}
	for _, name := range m.Names() {
		e, _ := m.Entity(name)
		ev := EntityView{Name: e.Name, Attributes: []AttributeView{}}
		for _, a := range e.Attributes {
			av := AttributeView{
				Name:        a.Name,
				Type:        a.Kind.String(),
				Indexed:     a.Indexed,
				ContentType: a.ContentType,
			}
			if !attr.IsNull(a.Default) {
				av.Default = displayValue(a.Default)
			}
			ev.Attributes = append(ev.Attributes, av)
		}
		for _, r := range e.Relationships {
			ev.Relationships = append(ev.Relationships, RelationshipView{
				Name:    r.Name,
				Target:  r.Target,
				ToMany:  r.ToMany,
				Ordered: r.Ordered,
				Inverse: r.Inverse,
			})
		}
		v.Entities = append(v.Entities, ev)
	}
	return v
}

func (v ModelView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "✓ Compiled %d entit%s\n\n", len(v.Entities), plural(len(v.Entities), "y", "ies"))
	for _, e := range v.Entities {
		fmt.Fprintf(w, "%s:\n", e.Name)
		for _, a := range e.Attributes {
			fmt.Fprintf(w, "  %s: %s", a.Name, a.Type)
			if a.Indexed {
				fmt.Fprint(w, " (indexed)")
			}
			if a.Default != nil {
				fmt.Fprintf(w, " = %v", a.Default)
			}
			fmt.Fprintln(w)
		}
		for _, r := range e.Relationships {
			arrow := "->"
			if r.ToMany {
				arrow = "->>"
			}
			fmt.Fprintf(w, "  %s %s %s", r.Name, arrow, r.Target)
			if r.Inverse != "" {
				fmt.Fprintf(w, " (inverse %s)", r.Inverse)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// NewModelCommand creates the model command.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ModelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "model [path]",
		Short: "Compile a CUE model and show its entities",
		Long: `Compile a CUE model file or directory and show the entities,
attributes and relationships it declares. Without a path the configured
model is used.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config.Model
			if len(args) == 1 {
				path = args[0]
			}
			return runModel(opts, path, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the compiled model as JSON to this file")

	return cmd
}

func runModel(opts *ModelOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	m, err := compiler.LoadModel(path)
	if err != nil {
		return outputModelError(f, err)
	}
	view := newModelView(m)

	if opts.Output != "" {
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return f.Fail("model", err)
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return f.Usage("writing output file: %v", err)
		}
		f.VerboseLog("Wrote compiled model to %s", opts.Output)
	}
	return f.Success(view)
}

// outputModelError reports a model that failed to compile. Positions of
// CUE errors are kept in the details.
func outputModelError(f *OutputFormatter, err error) error {
	var details any
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) && compileErr.Pos.IsValid() {
		details = map[string]any{
			"file":   compileErr.Pos.Filename(),
			"line":   compileErr.Pos.Line(),
			"column": compileErr.Pos.Column(),
			"field":  compileErr.Field,
		}
	}
	_ = f.Error(ErrCodeModel, err.Error(), details)
	// Model errors are command-level errors (exit code 2)
	return WrapExitError(ExitCommandError, "model compilation failed", err)
}
