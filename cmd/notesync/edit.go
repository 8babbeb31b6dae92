package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astromechza/notesync/pkg/client"
)

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit [text...]",
		Short: "connect to a note, apply an edit and optionally follow it",
		Example: `
  # append a line
  NOTESYNC_TOKEN=secret notesync edit --note n1 "hello there"

  # insert at the start, then print every change until interrupted
  notesync edit --note n1 --token secret --at 0 --follow "> "
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newViper(cmd, "server", "token", "note", "at", "delete", "follow", "dump")
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			logger, err := setupLogging(v, nil, "")
			if err != nil {
				return err
			}
			noteID := v.GetString("note")
			if noteID == "" {
				return errors.New("--note is required")
			}
			ctx := cmd.Context()

			c, err := client.Dial(ctx, v.GetString("server"), noteID, client.Options{Token: v.GetString("token"), Logger: logger})
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.WaitSynced(ctx); err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}
			logger.Info("synced", "note", noteID, "length", len([]rune(c.Text())))

			at := v.GetInt("at")
			if n := v.GetInt("delete"); n > 0 {
				pos := at
				if pos < 0 {
					pos = len([]rune(c.Text())) - n
				}
				if err := c.Delete(max(pos, 0), n); err != nil {
					return err
				}
			}
			if text := strings.Join(args, " "); text != "" {
				if at < 0 {
					err = c.Append(text)
				} else {
					err = c.Insert(at, text)
				}
				if err != nil {
					return err
				}
			}

			if v.GetBool("follow") {
				follow(ctx, c)
			} else {
				fmt.Println(c.Text())
			}

			if path := v.GetString("dump"); path != "" {
				if err := os.WriteFile(path, c.Save(), 0o644); err != nil {
					return err
				}
				logger.Info("dumped", "path", path)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("server", "http://localhost:8080", "sync server base URL")
	flags.String("token", "", "bearer token")
	flags.String("note", "", "note id")
	flags.Int("at", -1, "rune position to edit at (-1 is the end)")
	flags.Int("delete", 0, "runes to delete at --at before inserting")
	flags.Bool("follow", false, "print the note whenever it changes until interrupted")
	flags.String("dump", "", "write the final document to this file")
	return cmd
}

func follow(ctx context.Context, c *client.Client) {
	last := c.Text()
	fmt.Println(last)
	for {
		err := c.WaitFor(ctx, func(text string) bool { return text != last })
		if err != nil {
			return
		}
		last = c.Text()
		fmt.Println("---")
		fmt.Println(last)
	}
}
