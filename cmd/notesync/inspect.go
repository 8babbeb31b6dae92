package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/store/storeurl"
	"github.com/astromechza/notesync/pkg/viz"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "print the text and change history of a saved note",
		Example: `
  # a document dumped by "notesync edit --dump"
  notesync inspect note.doc --svg

  # the stored snapshot of a note
  notesync inspect --store sqlite:///var/lib/notesync/notes.db --note n1 --dot > n1.dot
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newViper(cmd, "store", "snapshot-store", "note", "svg", "dot")
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			logger, err := setupLogging(v, nil, "")
			if err != nil {
				return err
			}

			var raw []byte
			switch {
			case len(args) == 1:
				if raw, err = os.ReadFile(args[0]); err != nil {
					return fmt.Errorf("failed to read input file: %w", err)
				}
			case v.GetString("note") != "":
				backend, err := storeurl.Open(cmd.Context(), v.GetString("store"), v.GetString("snapshot-store"))
				if err != nil {
					return err
				}
				defer backend.Close()
				snap, err := backend.LoadSnapshot(cmd.Context(), v.GetString("note"))
				if err != nil {
					return err
				}
				logger.Info("loaded snapshot", "note", snap.NoteID, "saved", snap.SavedAt)
				raw = snap.State
			default:
				return errors.New("expected a file argument or --note")
			}

			doc, err := automerge.Load(raw)
			if err != nil {
				return fmt.Errorf("failed to load doc: %w", err)
			}
			nodes, err := viz.History(doc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if v.GetBool("dot") {
				return viz.WriteDot(out, nodes)
			}
			if err := printHistory(out, doc, nodes); err != nil {
				return err
			}
			if v.GetBool("svg") {
				path, err := viz.RenderToTemp(doc)
				if err != nil {
					return err
				}
				logger.Info("rendered change graph", "svg", path)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("store", "mem://", "store URL to read the snapshot from")
	flags.String("snapshot-store", "", "separate snapshot store URL")
	flags.String("note", "", "note id to load from the store")
	flags.Bool("svg", false, "render the change graph to an svg file")
	flags.Bool("dot", false, "print the change graph in dot format instead of the summary")
	return cmd
}

func printHistory(w io.Writer, doc *automerge.Doc, nodes []viz.Node) error {
	text, err := notedoc.Text(doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "text:    %q\n", text)
	fmt.Fprintf(w, "heads:   %v\n", doc.Heads())
	fmt.Fprintf(w, "changes: %d\n\n", len(nodes))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tHASH\tACTOR\tSEQ\tDEPS\tMESSAGE\tTEXT")
	for i, n := range nodes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%q\n", i, n.Hash[:12], shortActor(n.Actor), n.Seq, len(n.Deps), n.Message, n.Text)
	}
	return tw.Flush()
}

func shortActor(actor string) string {
	if len(actor) > 12 {
		return actor[:12]
	}
	return actor
}
