package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"recov-go/internal/recov"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect, verify and restore backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create NAME PATH...",
	Short: "Back up one or more files or directories",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := recov.BackupOptions{}
		opts.Encrypt, _ = cmd.Flags().GetBool("encrypt")
		opts.Compress, _ = cmd.Flags().GetBool("compress")
		opts.Incremental, _ = cmd.Flags().GetBool("incremental")

		a, err := newApp("backup create", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.CreateBackup(cmd.Context(), args[0], args[1:], opts, progressPrinter())
		if err != nil {
			return err
		}

		fmt.Printf("Backup %d: %d files, %d bytes (%d files stored, %d bytes written to vault, %d unchanged, %d deleted)\n",
			res.BackupID, res.FileCount, res.TotalSize, res.FilesBackedUp, res.BytesWritten, res.Unchanged, res.Deleted)
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  skipped: %v\n", e)
		}
		if len(res.Errors) > 0 {
			return errPartial
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup list")
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.ListBackups()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED\tFILES\tSIZE\tFLAGS")
		for _, b := range backups {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n", b.ID, b.Name,
				b.CreatedAt.Local().Format("2006-01-02 15:04:05"), b.FileCount, b.TotalSize,
				flags(b.Encrypted, b.Compressed, b.Incremental))
		}
		return w.Flush()
	},
}

func flags(encrypted, compressed, incremental bool) string {
	s := ""
	if encrypted {
		s += "E"
	}
	if compressed {
		s += "C"
	}
	if incremental {
		s += "I"
	}
	if s == "" {
		return "-"
	}
	return s
}

var backupShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a backup's manifest and verification history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup show")
		if err != nil {
			return err
		}
		defer a.Close()

		b, entries, runs, err := a.ShowBackup(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Backup %d %q created %s\n", b.ID, b.Name, b.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Sources:  %v\n", b.SourcePaths)
		fmt.Printf("Manifest: %s\n", b.ManifestDigest)
		if b.PreviousBackupID.Valid {
			fmt.Printf("Previous: %d\n", b.PreviousBackupID.Int64)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tSIZE\tHASH\tPATH")
		for _, e := range entries {
			hash := e.ContentHash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.ChangeStatus, e.SizeBytes, hash, e.RelativePath)
		}
		w.Flush()

		if len(runs) > 0 {
			fmt.Println("\nVerification runs:")
			for _, r := range runs {
				fmt.Printf("  %s  valid=%d invalid=%d missing=%d\n",
					r.RunAt.Local().Format("2006-01-02 15:04:05"), r.FilesValid, r.FilesInvalid, r.FilesMissing)
			}
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a backup and objects no other backup uses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup delete", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.DeleteBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s deleted; %d objects removed from the vault.\n", args[0], n)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify ID",
	Short: "Check a backup against its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		malware, _ := cmd.Flags().GetBool("malware-scan")

		a, err := newApp("backup verify", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Verify(cmd.Context(), args[0], malware, progressPrinter())
		if err != nil {
			return err
		}

		fmt.Printf("Checked %d files: %d valid, %d invalid, %d missing\n",
			run.FilesChecked, run.FilesValid, run.FilesInvalid, run.FilesMissing)
		for _, r := range run.Results {
			if r.Status != "valid" {
				fmt.Printf("  %s: %s (%s)\n", r.Status, r.Path, r.Message)
			}
		}
		if s := run.VirusScan; s != nil {
			fmt.Printf("Malware scan: %d scanned, %d clean, %d threats, %d errors, %d skipped\n",
				s.Scanned, s.Clean, s.Threats, s.Errors, s.Skipped)
			for _, f := range s.Findings {
				fmt.Printf("  THREAT %s: %s\n", f.Threat, f.Path)
			}
		}
		if run.FilesInvalid > 0 || run.FilesMissing > 0 {
			return errPartial
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore ID TARGET",
	Short: "Restore a backup beneath TARGET",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("conflict")
		verify, _ := cmd.Flags().GetBool("verify")

		a, err := newApp("backup restore", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Restore(cmd.Context(), args[0], args[1], strategy, verify, progressPrinter())
		if res != nil {
			fmt.Printf("Restored %d files, skipped %d, failed %d\n", res.FilesRestored, res.FilesSkipped, res.FilesFailed)
			for _, r := range res.Results {
				if r.Outcome == recov.OutcomeRenamed {
					fmt.Printf("  renamed: %s -> %s\n", r.Path, r.RestoredPath)
				}
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "  failed: %v\n", e)
			}
		}
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("nothing restored")
		}
		if res.FilesFailed > 0 {
			return errPartial
		}
		return nil
	},
}

func init() {
	backupCreateCmd.Flags().BoolP("encrypt", "e", false, "Encrypt file contents with the configured public key")
	backupCreateCmd.Flags().BoolP("compress", "z", false, "Compress file contents")
	backupCreateCmd.Flags().BoolP("incremental", "i", false, "Reuse unchanged files from the previous backup with this name")

	backupVerifyCmd.Flags().Bool("malware-scan", false, "Scan restored content with the configured scanner")

	backupRestoreCmd.Flags().StringP("conflict", "c", "", "Conflict strategy: rename, overwrite or skip (default from config)")
	backupRestoreCmd.Flags().Bool("verify", false, "Reject files whose digest does not match the manifest")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}
