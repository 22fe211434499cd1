package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// statusCmd queries a running node's API for cluster status.
func statusCmd(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	addr := fs.String("addr", "localhost:8400", "API address of a cluster node")
	raw := fs.Bool("json", false, "Print the raw JSON response")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printStatusUsage(os.Stdout)
		return 0
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + *addr + "/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach node: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var status struct {
		NodeID      uint64 `json:"nodeId"`
		State       string `json:"state"`
		Term        uint64 `json:"term"`
		LeaderID    uint64 `json:"leaderId"`
		LeaderAddr  string `json:"leaderAddr"`
		CommitIndex uint64 `json:"commitIndex"`
		LastApplied uint64 `json:"lastApplied"`
		Peers       []struct {
			ID   uint64 `json:"id"`
			Addr string `json:"addr"`
		} `json:"peers"`
		Breakers map[string]string `json:"breakers"`
		Locks    int               `json:"heldLocks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode status: %v\n", err)
		return 1
	}

	if *raw {
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	fmt.Printf("Node %d (%s)\n", status.NodeID, status.State)
	fmt.Printf("  Term:         %d\n", status.Term)
	fmt.Printf("  Leader:       %d %s\n", status.LeaderID, status.LeaderAddr)
	fmt.Printf("  Commit index: %d\n", status.CommitIndex)
	fmt.Printf("  Last applied: %d\n", status.LastApplied)
	fmt.Printf("  Held locks:   %d\n", status.Locks)
	if len(status.Peers) > 0 {
		fmt.Println("  Peers:")
		for _, p := range status.Peers {
			fmt.Printf("    %d %s\n", p.ID, p.Addr)
		}
	}
	if len(status.Breakers) > 0 {
		fmt.Println("  Breakers:")
		for name, state := range status.Breakers {
			fmt.Printf("    %s: %s\n", name, state)
		}
	}

	return 0
}
