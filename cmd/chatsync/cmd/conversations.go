package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chatsync/internal/session"
)

var projectID int64

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List the first page of conversations",
	RunE:  runConversations,
}

func init() {
	conversationsCmd.Flags().Int64Var(&projectID, "project", 0, "list the conversations of this project instead")
}

func runConversations(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	opts := session.ListOptions{PageSize: c.cfg.Client.PageSize, Logger: c.logger}
	if projectID != 0 {
		opts.ProjectID = &projectID
	}
	list := session.NewConversationList(c.api, c.links, c.bus, opts)
	defer list.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	if err := list.LoadMore(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	items := list.Items()
	if len(items) == 0 {
		fmt.Fprintln(out, "no conversations")
		return nil
	}
	for _, conv := range items {
		fmt.Fprintf(out, "%6d  %-8s %s\n", conv.ID, conv.Type, conv.Title)
	}
	return nil
}
