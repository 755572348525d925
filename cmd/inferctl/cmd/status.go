package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway liveness and process stats",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryBytes   uint64  `json:"memory_bytes,omitempty"`
	Goroutines    int     `json:"goroutines,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := doGet(fmt.Sprintf("%s/healthz", GetGatewayURL()))
	if err != nil {
		return err
	}

	var h healthzResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(h, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Status", h.Status})
	table.Append([]string{"Uptime", fmt.Sprintf("%.0fs", h.UptimeSeconds)})
	if h.Goroutines > 0 {
		table.Append([]string{"CPU", fmt.Sprintf("%.1f%%", h.CPUPercent)})
		table.Append([]string{"Memory", fmt.Sprintf("%.2f MB", float64(h.MemoryBytes)/(1024*1024))})
		table.Append([]string{"Goroutines", fmt.Sprintf("%d", h.Goroutines)})
	}
	table.Render()
	return nil
}
