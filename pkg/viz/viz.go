// Package viz describes and renders the change history of a note.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/notesync/pkg/notedoc"
)

// Node is one change of the history with the note text as of that change.
type Node struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Message string
	Time    time.Time
	Text    string
}

func (n Node) Label() string {
	return fmt.Sprintf("%s %s@%d %s", n.Hash[:8], shortActor(n.Actor), n.Seq, strconv.Quote(n.Text))
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}

// History returns the document's changes in causal order.
func History(doc *automerge.Doc) ([]Node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Node, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, _ := notedoc.Text(docAt)
		n := Node{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Time:    change.Timestamp(),
			Text:    text,
		}
		for _, dep := range change.Dependencies() {
			n.Deps = append(n.Deps, dep.String())
		}
		out = append(out, n)
	}
	return out, nil
}

// WriteDot writes the history as a graphviz digraph.
func WriteDot(w io.Writer, nodes []Node) error {
	var buf bytes.Buffer
	buf.WriteString("digraph \"history\" {\n")
	for _, n := range nodes {
		fmt.Fprintf(&buf, "    %q [label=%q]\n", n.Hash, n.Label())
		for _, dep := range n.Deps {
			fmt.Fprintf(&buf, "    %q -> %q\n", dep, n.Hash)
		}
	}
	buf.WriteString("}\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// RenderSVG renders the change DAG of doc as SVG.
func RenderSVG(doc *automerge.Doc, w io.Writer) error {
	nodes, err := History(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(nodes))
	edges := 0
	for _, node := range nodes {
		n, err := graph.CreateNode(node.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(node.Label())
		nodeMap[node.Hash] = n
		for _, dep := range node.Deps {
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), nodeMap[dep], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}
	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp renders doc into a new svg file under the temp dir and
// returns its path.
func RenderToTemp(doc *automerge.Doc) (string, error) {
	var buf bytes.Buffer
	if err := RenderSVG(doc, &buf); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("notesync-%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write: %w", err)
	}
	return tf, nil
}
