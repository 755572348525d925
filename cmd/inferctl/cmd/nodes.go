package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect nodes known to the Node Registry",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nodes in the registry",
	RunE:  runNodesList,
}

var nodesDescribeCmd = &cobra.Command{
	Use:   "describe <node-id>",
	Short: "Show one node's registry record",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesDescribe,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesDescribeCmd)
}

type nodesListResponse struct {
	Nodes []nodeInfo `json:"nodes"`
	Count int        `json:"count"`
}

type nodeInfo struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	CapacityScore    float64 `json:"capacity_score"`
	InFlight         int64   `json:"in_flight"`
	ConsecutiveFails int     `json:"consecutive_failures"`
}

func runNodesList(cmd *cobra.Command, args []string) error {
	body, err := doGet(fmt.Sprintf("%s/v1/nodes", GetGatewayURL()))
	if err != nil {
		return err
	}

	var result nodesListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(result.Nodes) == 0 {
		fmt.Println("no nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Type", "Status", "Capacity", "In-flight", "Failures")
	for _, n := range result.Nodes {
		table.Append(
			n.ID,
			n.Type,
			n.Status,
			fmt.Sprintf("%.2f", n.CapacityScore),
			fmt.Sprintf("%d", n.InFlight),
			fmt.Sprintf("%d", n.ConsecutiveFails),
		)
	}
	table.Render()
	fmt.Printf("\ntotal nodes: %d\n", result.Count)
	return nil
}

func runNodesDescribe(cmd *cobra.Command, args []string) error {
	id := args[0]
	body, err := doGet(fmt.Sprintf("%s/v1/nodes/%s", GetGatewayURL(), id))
	if err != nil {
		return err
	}

	var n nodeInfo
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(n, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"ID", n.ID})
	table.Append([]string{"Type", n.Type})
	table.Append([]string{"Status", n.Status})
	table.Append([]string{"Capacity score", fmt.Sprintf("%.2f", n.CapacityScore)})
	table.Append([]string{"In-flight", fmt.Sprintf("%d", n.InFlight)})
	table.Append([]string{"Consecutive failures", fmt.Sprintf("%d", n.ConsecutiveFails)})
	table.Render()
	return nil
}
