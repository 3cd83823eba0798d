// OverFS Ctl - mount management CLI for a running overfs-client.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ControlRequest is sent to the FUSE client.
type ControlRequest struct {
	Action string `json:"action"` // status, unmount
}

// ControlResponse is received from the FUSE client.
type ControlResponse struct {
	Success    bool   `json:"success"`
	UUID       string `json:"uuid,omitempty"`
	Files      int    `json:"files,omitempty"`
	Loaded     int    `json:"loaded,omitempty"`
	Unmounting bool   `json:"unmounting,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CtlCommand talks to the control socket of a running mount.
type CtlCommand struct {
	socketPath string
}

func main() {
	socketPath := ""
	args := os.Args[1:]

	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" && i+1 < len(args) {
			socketPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			break
		} else if len(args[i]) > 9 && args[i][:9] == "--socket=" {
			socketPath = args[i][9:]
			args = append(args[:i], args[i+1:]...)
			break
		}
	}

	if socketPath == "" {
		if envDir := os.Getenv("OVERFS_OVERLAY_DIR"); envDir != "" {
			socketPath = filepath.Join(envDir, "control.sock")
		} else {
			homeDir, _ := os.UserHomeDir()
			socketPath = filepath.Join(homeDir, ".overfs", "overlay", "control.sock")
		}
	}

	cmd := &CtlCommand{socketPath: socketPath}
	if err := cmd.Execute(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Execute runs a ctl command.
func (c *CtlCommand) Execute(args []string) error {
	if len(args) < 1 {
		return c.printUsage()
	}

	switch args[0] {
	case "status":
		return c.showStatus()
	case "unmount":
		return c.requestUnmount()
	case "help", "--help", "-h":
		return c.printUsage()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (c *CtlCommand) printUsage() error {
	fmt.Printf(`OverFS Ctl - Mount Management

Usage: overfs-ctl [--socket <path>] <command>

Commands:
  status   Show overlay identity and mount activity
  unmount  Ask the running client for a clean unmount
  help     Show this help message

Options:
  --socket <path>  Explicit path to the control socket file

Environment:
  OVERFS_OVERLAY_DIR  Override default overlay location (~/.overfs/overlay)

Examples:
  # Check the running mount
  overfs-ctl status

  # Unmount cleanly, flushing overlay entries
  overfs-ctl unmount

  # Use explicit socket path
  overfs-ctl --socket /path/to/control.sock status

Current socket path: %s
`, c.socketPath)
	return nil
}

func (c *CtlCommand) sendCommand(action string) (*ControlResponse, error) {
	if _, err := os.Stat(c.socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf(`control socket not found at %s

Make sure overfs-client is running, and that OVERFS_OVERLAY_DIR (or
--socket) matches its --overlay path`, c.socketPath)
	}

	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := json.NewEncoder(conn).Encode(ControlRequest{Action: action}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp ControlResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

func (c *CtlCommand) showStatus() error {
	resp, err := c.sendCommand("status")
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("status failed: %s", resp.Error)
	}

	fmt.Printf("OverFS Mount Status\n")
	fmt.Printf("===================\n")
	fmt.Printf("Overlay UUID:   %s\n", resp.UUID)
	fmt.Printf("Indexed files:  %d\n", resp.Files)
	fmt.Printf("Loaded entries: %d\n", resp.Loaded)
	if resp.Unmounting {
		fmt.Println("State:          unmounting")
	} else {
		fmt.Println("State:          serving")
	}
	return nil
}

func (c *CtlCommand) requestUnmount() error {
	fmt.Println("Requesting unmount...")

	resp, err := c.sendCommand("unmount")
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("unmount failed: %s", resp.Error)
	}

	fmt.Println("✓ Unmount requested")
	fmt.Println("The client will flush overlay entries and release the mountpoint.")
	return nil
}
