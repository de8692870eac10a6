package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/backup"
	"github.com/ImCalebP/ai-employee/internal/logging"
)

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, restore and prune the SQLite entity store",
	}

	backupCmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Take a snapshot now",
			Args:  cobra.NoArgs,
			RunE:  runBackupCreate,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List snapshots, newest first",
			Args:  cobra.NoArgs,
			RunE:  runBackupList,
		},
		&cobra.Command{
			Use:   "restore <snapshot>",
			Short: "Replace the store with a snapshot (stop the server first)",
			Args:  cobra.ExactArgs(1),
			RunE:  runBackupRestore,
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Remove snapshots outside the retention policy",
			Args:  cobra.NoArgs,
			RunE:  runBackupPrune,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Summarise the snapshot directory",
			Args:  cobra.NoArgs,
			RunE:  runBackupStatus,
		},
	)
	RootCmd.AddCommand(backupCmd)
}

// openBackup builds the backup service straight from the configuration.
// Restore must not hold the store open, so the app is never wired here.
func openBackup() (*backup.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dir := cfg.BackupDir()
	if dir == "" {
		return nil, nil, errors.New("backups need an on-disk sqlite store")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	svc, err := backup.NewService(backup.Config{
		DBPath:    cfg.SQLitePath(),
		Dir:       dir,
		Interval:  cfg.Storage.BackupInterval,
		Retention: cfg.Storage.BackupRetention,
		Verify:    cfg.Storage.BackupVerify,
	}, logger.Named("backup"))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return svc, func() { _ = logger.Sync() }, nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	svc, done, err := openBackup()
	if err != nil {
		return err
	}
	defer done()

	snap, err := svc.Create(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, snap)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	svc, done, err := openBackup()
	if err != nil {
		return err
	}
	defer done()

	snaps, err := svc.List()
	if err != nil {
		return err
	}
	return printJSON(cmd, snaps)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	svc, done, err := openBackup()
	if err != nil {
		return err
	}
	defer done()

	if err := svc.Restore(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[0])
	return nil
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	svc, done, err := openBackup()
	if err != nil {
		return err
	}
	defer done()

	n, err := svc.Prune()
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]int{"removed": n})
}

func runBackupStatus(cmd *cobra.Command, args []string) error {
	svc, done, err := openBackup()
	if err != nil {
		return err
	}
	defer done()

	st, err := svc.Status()
	if err != nil {
		return err
	}
	return printJSON(cmd, st)
}
