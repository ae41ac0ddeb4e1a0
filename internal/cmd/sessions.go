package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/positivef/udo-coordination/internal/config"
	"github.com/positivef/udo-coordination/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect registered sessions",
	Long:  `Commands for inspecting the sessions registered with a running coordination node.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	Long: `List the sessions registered with a running node:
- Session ID and role (primary or secondary)
- Project
- Registration time and last heartbeat`,
	RunE: runSessionsList,
}

var (
	sessionsProject string
	nodeAddr        string
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsListCmd.Flags().StringVarP(&sessionsProject, "project", "p", "", "only show sessions for this project")
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "node", "", "address of the running node (overrides server.addr)")
}

// nodeURL resolves the base URL of the node this CLI queries. A bare
// ":8737" style listen address maps to loopback.
func nodeURL() string {
	addr := nodeAddr
	if addr == "" {
		addr = config.Get().Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr
}

func queryNode(path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(nodeURL() + path)
	if err != nil {
		return fmt.Errorf("is a node running at %s? %w", nodeURL(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("node returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("node returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	path := "/v1/sessions"
	if sessionsProject != "" {
		path += "?project=" + sessionsProject
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := queryNode(path, &out); err != nil {
		return err
	}

	fmt.Println(strings.Repeat("─", 70))
	fmt.Println("Registered Sessions")
	fmt.Println(strings.Repeat("─", 70))

	if len(out.Sessions) == 0 {
		fmt.Println("\nNo sessions registered.")
		return nil
	}

	fmt.Printf("\nFound %d session(s):\n\n", len(out.Sessions))
	for _, s := range out.Sessions {
		fmt.Printf("  Session: %s\n", s.ID)
		fmt.Printf("    Project:    %s\n", s.ProjectID)
		fmt.Printf("    Role:       %s\n", s.Role)
		fmt.Printf("    Registered: %s\n", s.RegisteredAt.Format(time.RFC822))
		fmt.Printf("    Heartbeat:  %s\n", s.LastHeartbeat.Format(time.RFC822))
		fmt.Println()
	}
	return nil
}
