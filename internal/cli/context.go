package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andyan77/diyu-agent-sub002/internal/assembler"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [turn]",
		Short: "Assemble the context block for a turn",
		Long: "Rewrite the turn into queries, retrieve and rerank the user's memories, " +
			"and pack them with knowledge and the session window into the token budget.",
		Args: cobra.MinimumNArgs(1),
		Run:  runContext,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().StringP("session", "s", "", "Session id")
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("org", "", "Organization scope for knowledge")
	cmd.Flags().String("intent", "", "Intent hint")
	cmd.Flags().Bool("text", false, "Print the rendered prompt text instead of JSON")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	session, _ := cmd.Flags().GetString("session")
	tenant, _ := cmd.Flags().GetString("tenant")
	org, _ := cmd.Flags().GetString("org")
	intent, _ := cmd.Flags().GetString("intent")
	asText, _ := cmd.Flags().GetBool("text")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	block, err := e.AssembleContext(cmd.Context(), assembler.Request{
		UserID:     user,
		TenantID:   tenant,
		SessionID:  session,
		OrgScope:   org,
		Turn:       strings.Join(args, " "),
		IntentHint: intent,
	})
	if err != nil {
		exitErr("context", err)
	}

	if asText {
		fmt.Println(block.Text())
		return
	}
	printJSON(block)
}
