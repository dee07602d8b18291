package taxonomy

import (
	"fmt"
	"io"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

// WriteSummary prints per-node lines for the subtree rooted at internal id
// root (the whole tree for root=1): internal id, external id, rank, name.
func (t *Taxonomy) WriteSummary(w io.Writer, root uint64) error {
	if root == 0 || root >= uint64(len(t.Nodes)) {
		return fmt.Errorf("[WriteSummary] internal id %d out of range", root)
	}
	stack := []uint64{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := t.Nodes[id]
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", id, node.ExternalID, t.Rank(id), t.Name(id)); err != nil {
			return err
		}
		for i := node.ChildCount; i > 0; i-- {
			stack = append(stack, node.FirstChild+i-1)
		}
	}
	return nil
}

// WriteDot renders the subtree rooted at root as a graphviz DOT document,
// one node per taxon labeled with its scientific name and rank.
func (t *Taxonomy) WriteDot(w io.Writer, root uint64, maxDepth int) error {
	if root == 0 || root >= uint64(len(t.Nodes)) {
		return fmt.Errorf("[WriteDot] internal id %d out of range", root)
	}
	graph := gographviz.NewGraph()
	if err := graph.SetName("taxonomy"); err != nil {
		return err
	}
	if err := graph.SetDir(true); err != nil {
		return err
	}

	type item struct {
		id    uint64
		depth int
	}
	stack := []item{{root, 0}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := t.Nodes[cur.id]
		nodeName := "t" + strconv.FormatUint(node.ExternalID, 10)
		label := fmt.Sprintf("\"%s\\n%s (%d)\"", t.Name(cur.id), t.Rank(cur.id), node.ExternalID)
		if err := graph.AddNode("taxonomy", nodeName, map[string]string{"label": label}); err != nil {
			return err
		}
		if cur.id != root {
			parentName := "t" + strconv.FormatUint(t.Nodes[node.Parent].ExternalID, 10)
			if err := graph.AddEdge(parentName, nodeName, true, nil); err != nil {
				return err
			}
		}
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		for i := uint64(0); i < node.ChildCount; i++ {
			stack = append(stack, item{node.FirstChild + i, cur.depth + 1})
		}
	}
	_, err := io.WriteString(w, graph.String())
	return err
}
