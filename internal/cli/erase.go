package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/andyan77/diyu-agent-sub002/internal/engine"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func init() {
	erase := &cobra.Command{
		Use:   "erase",
		Short: "Request erasure of everything stored about a user",
		Long: "Fence the user immediately and purge every storage surface. Without --wait the purge " +
			"continues the next time the engine runs (serve, or another command with --wait).",
		Run: runErase,
	}
	erase.Flags().StringP("user", "u", "", "User id to erase (required)")
	erase.Flags().String("requested-by", "", "Requester id; the user or operator:<name> (default: the user)")
	erase.Flags().String("tenant", "", "Tenant id, selects the SLA")
	erase.Flags().Duration("wait", 0, "Run the purge and wait up to this long for a terminal state")

	status := &cobra.Command{
		Use:   "erasure-status [tombstone-id]",
		Short: "Show the state and progress of an erasure",
		Args:  cobra.ExactArgs(1),
		Run:   runErasureStatus,
	}

	retry := &cobra.Command{
		Use:   "erasure-retry [tombstone-id]",
		Short: "Re-arm an escalated or failed erasure",
		Args:  cobra.ExactArgs(1),
		Run:   runErasureRetry,
	}
	retry.Flags().Duration("wait", 0, "Run the purge and wait up to this long for a terminal state")

	RootCmd.AddCommand(erase, status, retry)
}

func runErase(cmd *cobra.Command, args []string) {
	user := requireFlag(cmd, "user")
	requestedBy, _ := cmd.Flags().GetString("requested-by")
	tenant, _ := cmd.Flags().GetString("tenant")
	wait, _ := cmd.Flags().GetDuration("wait")
	if requestedBy == "" {
		requestedBy = user
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	id, eta, err := e.RequestErasure(cmd.Context(), user, requestedBy, tenant)
	if err != nil {
		exitErr("erase", err)
	}
	if wait <= 0 {
		printJSON(map[string]any{"tombstone_id": id, "estimated_completion": eta})
		return
	}
	printJSON(awaitErasure(cmd.Context(), e, id, wait))
}

func runErasureStatus(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	st, err := e.GetErasureStatus(cmd.Context(), args[0])
	if err != nil {
		exitErr("erasure-status", err)
	}
	printJSON(st)
}

func runErasureRetry(cmd *cobra.Command, args []string) {
	wait, _ := cmd.Flags().GetDuration("wait")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if err := e.RetryErasure(cmd.Context(), args[0]); err != nil {
		exitErr("erasure-retry", err)
	}
	if wait <= 0 {
		st, err := e.GetErasureStatus(cmd.Context(), args[0])
		if err != nil {
			exitErr("erasure-status", err)
		}
		printJSON(st)
		return
	}
	printJSON(awaitErasure(cmd.Context(), e, args[0], wait))
}

// awaitErasure starts the engine and polls until the tombstone is terminal,
// escalated, or the wait runs out.
func awaitErasure(ctx context.Context, e *engine.Engine, id string, wait time.Duration) *engine.ErasureStatus {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		exitErr("start engine", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := e.GetErasureStatus(context.WithoutCancel(ctx), id)
		if err != nil {
			exitErr("erasure-status", err)
		}
		if st.State.Terminal() || st.State == model.TombstoneEscalated {
			return st
		}
		select {
		case <-ctx.Done():
			return st
		case <-ticker.C:
		}
	}
}
