package cmd

import (
	"os"

	"github.com/cybozu-go/odoo-operator/cmd/backup"
	"github.com/cybozu-go/odoo-operator/cmd/backupandrotate"
	"github.com/cybozu-go/odoo-operator/cmd/controller"
	"github.com/cybozu-go/odoo-operator/cmd/webhook"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use: "odoo-operator",
}

func init() {
	rootCmd.AddCommand(controller.ControllerCmd)
	rootCmd.AddCommand(backup.BackupCmd)
	rootCmd.AddCommand(backupandrotate.BackupAndRotateCmd)
	rootCmd.AddCommand(webhook.WebhookCmd)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
