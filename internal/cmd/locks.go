package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/positivef/udo-coordination/internal/lock"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect held locks",
	Long:  `Commands for inspecting the locks held on a running coordination node.`,
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	Long: `List the locks currently held on a running node:
- Resource ID and lock type
- Holding session
- Acquisition time and TTL`,
	RunE: runLocksList,
}

var locksProject string

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd)
	locksListCmd.Flags().StringVarP(&locksProject, "project", "p", "", "only show locks for this project")
}

func runLocksList(cmd *cobra.Command, args []string) error {
	path := "/v1/locks"
	if locksProject != "" {
		path += "?project=" + locksProject
	}
	var out struct {
		Locks []lock.Grant `json:"locks"`
	}
	if err := queryNode(path, &out); err != nil {
		return err
	}

	fmt.Println(strings.Repeat("─", 70))
	fmt.Println("Held Locks")
	fmt.Println(strings.Repeat("─", 70))

	if len(out.Locks) == 0 {
		fmt.Println("\nNo locks held.")
		return nil
	}

	fmt.Printf("\nFound %d lock(s):\n\n", len(out.Locks))
	for _, g := range out.Locks {
		fmt.Printf("  Resource: %s\n", g.ResourceID)
		fmt.Printf("    Type:     %s\n", g.Type)
		fmt.Printf("    Holder:   %s\n", g.SessionID)
		if g.ProjectID != "" {
			fmt.Printf("    Project:  %s\n", g.ProjectID)
		}
		fmt.Printf("    Acquired: %s\n", g.AcquiredAt.Format(time.RFC822))
		fmt.Printf("    TTL:      %s\n", g.TTL)
		if g.Renewals > 0 {
			fmt.Printf("    Renewals: %d\n", g.Renewals)
		}
		fmt.Println()
	}
	return nil
}
