package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/servereye/internal/alert"
	"github.com/servereye/internal/config"
	"github.com/servereye/internal/crypto"
	"github.com/servereye/internal/database"
	"github.com/servereye/internal/models"
	"github.com/servereye/internal/notify"
	"github.com/servereye/internal/report"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// env bundles what every subcommand needs. The CLI operates on the database
// directly rather than through the server.
type env struct {
	cfg   *config.Config
	db    *gorm.DB
	vault *crypto.Vault
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	vault, err := crypto.NewVault(cfg.Encryption.Key)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	return &env{cfg: cfg, db: db, vault: vault}, nil
}

func (e *env) close() {
	database.Close(e.db)
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

func newTargetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage monitored targets",
	}

	var (
		name, desc, ip, user, password, keyFile string
		sshPort, dockerPort                     int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a target with encrypted credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			target := models.Target{
				Name:        name,
				Description: desc,
				IPAddress:   ip,
				SSHPort:     sshPort,
				DockerPort:  dockerPort,
				Username:    user,
			}
			if password != "" {
				target.Password, target.PasswordIV, err = e.vault.Encrypt(password)
				if err != nil {
					return err
				}
			}
			if keyFile != "" {
				key, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read key file: %w", err)
				}
				target.PrivateKey, target.PrivateKeyIV, err = e.vault.Encrypt(string(key))
				if err != nil {
					return err
				}
			}
			if password == "" && keyFile == "" {
				return fmt.Errorf("either --password or --key-file is required")
			}

			if err := e.db.Create(&target).Error; err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}
			fmt.Printf("target %d (%s) registered\n", target.ID, target.Name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "unique target name")
	add.Flags().StringVar(&desc, "description", "", "free-form description")
	add.Flags().StringVar(&ip, "ip", "", "target address")
	add.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH port")
	add.Flags().IntVar(&dockerPort, "docker-port", 2376, "Docker engine port")
	add.Flags().StringVar(&user, "user", "root", "SSH user")
	add.Flags().StringVar(&password, "password", "", "SSH password")
	add.Flags().StringVar(&keyFile, "key-file", "", "path to an SSH private key")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("ip")

	list := &cobra.Command{
		Use:   "list",
		Short: "List targets and their last known state",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			var targets []models.Target
			if err := e.db.Find(&targets).Error; err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tSTATUS\tCPU\tMEM\tDISK\tLAST SEEN")
			for _, t := range targets {
				lastSeen := "never"
				if t.LastSeenAt != nil {
					lastSeen = t.LastSeenAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.1f%%\t%.1f%%\t%.1f%%\t%s\n",
					t.ID, t.Name, t.IPAddress, t.Status,
					t.CPUUsage, t.MemoryUsage, t.DiskUsage, lastSeen)
			}
			return w.Flush()
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			res := e.db.Delete(&models.Target{}, id)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("target %d not found", id)
			}
			fmt.Printf("target %d removed\n", id)
			return nil
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func newAlertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Inspect and work alerts",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			svc := alert.NewService(e.db, nil, zap.NewNop())
			alerts, err := svc.List(alert.Filter{
				Status: models.AlertStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tSTATUS\tRAISED\tTITLE")
			for _, a := range alerts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Type, a.Severity, a.Status,
					a.CreatedAt.Format(time.RFC3339), a.Title)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (ACTIVE, ACKNOWLEDGED, RESOLVED)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	ack := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionAlert(args[0], func(svc *alert.Service, id uint) error {
				_, err := svc.Acknowledge(id)
				return err
			}, "acknowledged")
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionAlert(args[0], func(svc *alert.Service, id uint) error {
				_, err := svc.Resolve(id)
				return err
			}, "resolved")
		},
	}

	cmd.AddCommand(list, ack, resolve)
	return cmd
}

func transitionAlert(arg string, fn func(*alert.Service, uint) error, verb string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	if err := fn(alert.NewService(e.db, nil, zap.NewNop()), id); err != nil {
		return err
	}
	fmt.Printf("alert %d %s\n", id, verb)
	return nil
}

func newNotifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect notification delivery",
	}

	var days int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize delivery outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			p := notify.NewPipeline(e.db, zap.NewNop(), nil, notify.Options{Workers: 1})
			defer p.Shutdown()

			s, err := p.Stats(days)
			if err != nil {
				return err
			}
			fmt.Printf("last %d days: %d total, %d sent, %d failed, %d pending\n",
				days, s.Total, s.Sent, s.Failed, s.Pending)
			for channel, count := range s.ByChannel {
				fmt.Printf("  %s: %d\n", channel, count)
			}
			return nil
		},
	}
	stats.Flags().IntVar(&days, "days", 7, "window in days")

	var limit int
	var channel string
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			p := notify.NewPipeline(e.db, zap.NewNop(), nil, notify.Options{Workers: 1})
			defer p.Shutdown()

			records, err := p.History(notify.HistoryFilter{Channel: channel, Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tALERT\tCHANNEL\tSTATUS\tATTEMPTS\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\n",
					r.ID, r.AlertID, r.Channel, r.Status, r.Attempts, r.Error)
			}
			return w.Flush()
		},
	}
	history.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	history.Flags().StringVar(&channel, "channel", "", "filter by channel")

	cmd.AddCommand(stats, history)
	return cmd
}

func newReportCommand() *cobra.Command {
	var hours int
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a fleet usage and alert report",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			g := report.NewGenerator(e.db)
			data, err := g.Generate(time.Now().Add(-time.Duration(hours)*time.Hour), time.Now())
			if err != nil {
				return err
			}
			html, err := g.RenderHTML(data)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Println(html)
				return nil
			}
			if err := os.WriteFile(out, []byte(html), 0o644); err != nil {
				return err
			}
			fmt.Printf("report written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "report window in hours")
	cmd.Flags().StringVar(&out, "out", "", "write HTML to file instead of stdout")
	return cmd
}
