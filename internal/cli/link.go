package cli

import (
	"github.com/spf13/cobra"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or show relations between memory items",
		Long:  "With --to and --rel, link two items of the same user. With only --from, list the item's links.",
		Run:   runLink,
	}

	cmd.Flags().String("from", "", "Source item id (required)")
	cmd.Flags().String("to", "", "Target item id")
	cmd.Flags().StringP("rel", "r", "", "Relation: supersedes, contradicts, consolidates")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	from := requireFlag(cmd, "from")
	to, _ := cmd.Flags().GetString("to")
	rel, _ := cmd.Flags().GetString("rel")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if to == "" {
		links, err := s.GetLinks(cmd.Context(), from)
		if err != nil {
			exitErr("link", err)
		}
		printJSON(links)
		return
	}
	if !model.ValidRels[rel] {
		exitErr("link", memerr.New(memerr.CodeCLIInputInvalid, "--rel must be one of supersedes, contradicts, consolidates"))
	}

	link, err := s.Link(cmd.Context(), from, to, rel)
	if err != nil {
		exitErr("link", err)
	}
	printJSON(link)
}
