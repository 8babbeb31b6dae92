package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/store/storeurl"
)

// newAdminCommand manages the session and note records normally written by
// the note service, for development setups and smoke tests.
func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "write sessions, notes and shares into a store",
	}
	cmd.PersistentFlags().String("store", "", "store URL (sqlite:///path, postgres://...)")
	cmd.AddCommand(newAdminSessionCommand(), newAdminNoteCommand(), newAdminShareCommand())
	return cmd
}

func withAdmin(cmd *cobra.Command, names []string, fn func(ctx context.Context, v *viper.Viper, admin store.Admin) error) error {
	v := newViper(cmd, append([]string{"store"}, names...)...)
	if _, err := loadConfigFile(v); err != nil {
		return err
	}
	logger, err := setupLogging(v, nil, "")
	if err != nil {
		return err
	}
	raw := v.GetString("store")
	if raw == "" {
		return fmt.Errorf("--store is required")
	}
	if strings.HasPrefix(raw, "mem://") {
		logger.Warn("records written to an in-memory store are lost on exit")
	}
	backend, err := storeurl.Open(cmd.Context(), raw, "")
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(cmd.Context(), v, backend)
}

func newAdminSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "create a bearer token for a user and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, []string{"user", "token", "ttl"}, func(ctx context.Context, v *viper.Viper, admin store.Admin) error {
				user := v.GetString("user")
				if user == "" {
					return fmt.Errorf("--user is required")
				}
				token := v.GetString("token")
				if token == "" {
					token = rand.Text()
				}
				var expires time.Time
				if ttl := v.GetDuration("ttl"); ttl > 0 {
					expires = time.Now().Add(ttl).UTC()
				}
				if err := admin.PutSession(ctx, token, user, expires); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().String("user", "", "user id")
	cmd.Flags().String("token", "", "token to store (random when empty)")
	cmd.Flags().Duration("ttl", 0, "session lifetime (0 never expires)")
	return cmd
}

func newAdminNoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "create or update a note's owner and visibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, []string{"note", "owner", "public"}, func(ctx context.Context, v *viper.Viper, admin store.Admin) error {
				note, owner := v.GetString("note"), v.GetString("owner")
				if note == "" || owner == "" {
					return fmt.Errorf("--note and --owner are required")
				}
				return admin.PutNote(ctx, note, owner, v.GetBool("public"))
			})
		},
	}
	cmd.Flags().String("note", "", "note id")
	cmd.Flags().String("owner", "", "owner user id")
	cmd.Flags().Bool("public", false, "anyone with a valid session may read")
	return cmd
}

func newAdminShareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "grant a user read or edit access to a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, []string{"note", "user", "permission"}, func(ctx context.Context, v *viper.Viper, admin store.Admin) error {
				note, user := v.GetString("note"), v.GetString("user")
				if note == "" || user == "" {
					return fmt.Errorf("--note and --user are required")
				}
				perm := access.ParsePermission(v.GetString("permission"))
				if perm == access.Denied && !strings.EqualFold(v.GetString("permission"), string(access.Denied)) {
					return fmt.Errorf("permission must be %q, %q or %q", access.Edit, access.Read, access.Denied)
				}
				return admin.Share(ctx, note, user, perm)
			})
		},
	}
	cmd.Flags().String("note", "", "note id")
	cmd.Flags().String("user", "", "user id")
	cmd.Flags().String("permission", string(access.Edit), "edit, read or denied")
	return cmd
}
