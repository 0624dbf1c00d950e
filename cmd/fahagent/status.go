package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot snapshot from the running agent's control surface",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:7396", "local control surface address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + statusAddr + "/api/info")
	if err != nil {
		return fmt.Errorf("failed to reach agent at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read agent response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}
