package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/repositories"
	"github.com/desertthunder/waveline/internal/shared"
)

type lastfmUserRow struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Scrobble bool   `json:"scrobble"`
	Linked   bool   `json:"linked"`
}

// LastFMUsers lists linked last.fm accounts. Session keys are never printed.
func (r *Runner) LastFMUsers(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := repositories.NewLastFMUserRepository(db).List()
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	rows := make([]lastfmUserRow, len(users))
	for i, u := range users {
		rows[i] = lastfmUserRow{UserID: u.UserID(), Username: u.Username(), Scrobble: u.Scrobble(), Linked: u.SessionKey() != ""}
	}
	if cmd.Bool("json") {
		return r.writeJSON(rows, true)
	}

	if len(rows) == 0 {
		return r.writePlain("No linked accounts\n")
	}

	r.writePlainHeader(fmt.Sprintf("Linked accounts (%d)", len(rows)))
	for _, row := range rows {
		state := "scrobbling"
		switch {
		case !row.Linked:
			state = "session revoked"
		case !row.Scrobble:
			state = "paused"
		}
		r.writePlain("%-20s %-20s %s\n", row.UserID, row.Username, state)
	}
	return nil
}

// LastFMUnlink deletes the account linked to a user id.
func (r *Runner) LastFMUnlink(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.Args().First()
	if userID == "" {
		return fmt.Errorf("%w: user id", shared.ErrMissingArgument)
	}

	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repositories.NewLastFMUserRepository(db).Delete(userID); err != nil {
		return err
	}
	return r.writePlain("✓ Unlinked %s\n", userID)
}
