package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `divan - Replicated coordination server

Usage:
  divan <command> [options]

Commands:
  serve       Start a cluster node
  status      Show cluster status from a running node
  version     Show version information

Use "divan <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a cluster node

Usage:
  divan serve [options]

Options:
  -config string
        Path to configuration file
  -node-id uint
        Node ID (overrides config)
  -raft-addr string
        Raft listen address (overrides config, default "localhost:7400")
  -api-addr string
        API listen address (overrides config, default "localhost:8400")
  -data-dir string
        Data directory path (overrides config, default "./data")
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message
`)
}

// printStatusUsage prints the status command usage.
func printStatusUsage(w io.Writer) {
	fmt.Fprint(w, `Show cluster status from a running node

Usage:
  divan status [options]

Options:
  -addr string
        API address of a cluster node (default "localhost:8400")
  -json
        Print the raw JSON response
  -h, -help
        Show this help message
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  divan version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
