package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/andyan77/diyu-agent-sub002/internal/engine"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "record [content]",
		Short: "Record a conversation turn",
		Long: "Append a turn to its session and run memory evolution on it. " +
			"Content can be a positional arg or piped via stdin.",
		Run: runRecord,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("role", "user", "Role: user, assistant, system")

	RootCmd.AddCommand(cmd)
}

func runRecord(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	session := requireFlag(cmd, "session")
	tenant, _ := cmd.Flags().GetString("tenant")
	role, _ := cmd.Flags().GetString("role")

	content, err := readContent(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(content) == "" {
		exitErr("record", memerr.New(memerr.CodeCLIInputInvalid, "content is required (positional arg or stdin)"))
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	// Close drains the evolution lanes, so the turn is fully processed
	// before the command exits.
	if err := e.Start(cmd.Context()); err != nil {
		exitErr("start engine", err)
	}

	id, err := e.RecordTurn(cmd.Context(), session, engine.Turn{
		UserID:   user,
		TenantID: tenant,
		Role:     model.Role(role),
		Content:  content,
	})
	if err != nil {
		_ = e.Close()
		exitErr("record", err)
	}
	if err := e.Close(); err != nil {
		exitErr("close engine", err)
	}

	printJSON(map[string]any{"ok": id != "", "event_id": id, "dropped": id == ""})
}
