package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var causalCmd = &cobra.Command{
	Use:   "causal",
	Short: "Inspect and edit the causal graph",
}

var causalStrength float64
var causalEvidence string

var causalLinkCmd = &cobra.Command{
	Use:   "link <source_id> <relation> <target_id>",
	Short: "Insert a causal edge between two memories",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := engine.NewCausalGraph(store)
		id, err := g.InsertEdge(engine.InsertEdgeRequest{
			SourceID: args[0],
			Relation: engine.CausalRelation(args[1]),
			TargetID: args[2],
			Strength: causalStrength,
			Evidence: causalEvidence,
		})
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
		fmt.Printf("Inserted edge %d: %s -%s-> %s\n", id, args[0], args[1], args[2])
		return nil
	},
}

var causalFromCmd = &cobra.Command{
	Use:   "from <node_id>",
	Short: "List outgoing edges for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := engine.NewCausalGraph(store)
		edges, err := g.GetEdgesFrom(args[0])
		if err != nil {
			return fmt.Errorf("failed to get edges: %w", err)
		}
		printEdges(edges)
		return nil
	},
}

var causalToCmd = &cobra.Command{
	Use:   "to <node_id>",
	Short: "List incoming edges for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := engine.NewCausalGraph(store)
		edges, err := g.GetEdgesTo(args[0])
		if err != nil {
			return fmt.Errorf("failed to get edges: %w", err)
		}
		printEdges(edges)
		return nil
	},
}

var causalChainDepth int

var causalChainCmd = &cobra.Command{
	Use:   "chain <node_id>",
	Short: "Walk the causal chain starting from a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := engine.NewCausalGraph(store)
		chain, err := g.GetCausalChain(args[0], causalChainDepth)
		if err != nil {
			return fmt.Errorf("failed to walk chain: %w", err)
		}
		for _, link := range chain.Links {
			fmt.Printf("%-20s -%-14s-> %-20s depth=%d\n", link.Edge.SourceID, link.Edge.Relation, link.Edge.TargetID, link.Depth)
		}
		if chain.MaxDepthReached {
			fmt.Println("(max depth reached, chain may continue further)")
		}
		return nil
	},
}

var causalUnlinkCmd = &cobra.Command{
	Use:   "unlink <edge_id>",
	Short: "Delete a causal edge by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid edge id %q: %w", args[0], err)
		}
		g := engine.NewCausalGraph(store)
		if err := g.DeleteEdge(id); err != nil {
			return fmt.Errorf("failed to delete edge: %w", err)
		}
		fmt.Printf("Deleted edge %d\n", id)
		return nil
	},
}

var causalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate causal graph statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		g := engine.NewCausalGraph(store)
		stats, err := g.GetGraphStats()
		if err != nil {
			return fmt.Errorf("failed to get graph stats: %w", err)
		}
		fmt.Printf("Edges:        %d\n", stats.EdgeCount)
		fmt.Printf("Nodes:        %d\n", stats.NodeCount)
		fmt.Printf("Avg strength: %.3f\n", stats.AvgStrength)
		for rel, count := range stats.ByRelation {
			fmt.Printf("  %-14s %d\n", rel, count)
		}
		if len(stats.OrphanedNodes) > 0 {
			fmt.Printf("Orphaned nodes: %v\n", stats.OrphanedNodes)
		}
		return nil
	},
}

func printEdges(edges []engine.CausalEdge) {
	if len(edges) == 0 {
		fmt.Println("No edges found.")
		return
	}
	for _, e := range edges {
		fmt.Printf("%-6d %-20s -%-14s-> %-20s strength=%.2f\n", e.ID, e.SourceID, e.Relation, e.TargetID, e.Strength)
	}
}

func init() {
	causalLinkCmd.Flags().Float64Var(&causalStrength, "strength", 1.0, "edge strength, 0.0-1.0")
	causalLinkCmd.Flags().StringVar(&causalEvidence, "evidence", "", "free-text evidence for the edge")
	causalChainCmd.Flags().IntVar(&causalChainDepth, "depth", 5, "maximum chain depth to traverse")

	causalCmd.AddCommand(causalLinkCmd, causalFromCmd, causalToCmd, causalChainCmd, causalUnlinkCmd, causalStatsCmd)
	rootCmd.AddCommand(causalCmd)
}
