package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ptgott/relaycheck/check"
	"github.com/ptgott/relaycheck/email"
	"github.com/ptgott/relaycheck/fakedata"
	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/userconfig"
)

var (
	levelFlag   string
	configFlag  string
	envFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "relaycheck",
	Short: "End-to-end checks for an SMTP relay",
	Long: `relaycheck sends generated test emails through an SMTP relay and reads
them back from a mailbox inspection API (Mailpit or Mailtrap) to make sure
every email arrived intact.

Settings come from an optional YAML file, then .env.test, then the
environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch levelFlag {
		case "debug":
			log.Logger = log.Logger.Level(zerolog.DebugLevel)
		case "warn":
			log.Logger = log.Logger.Level(zerolog.WarnLevel)
		default:
			log.Logger = log.Logger.Level(zerolog.InfoLevel)
		}
		return userconfig.LoadDotEnv(envFileFlag)
	},
}

var (
	metricsFileFlag string
	seedFlag        int64
	messagesFlag    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every scenario against the relay and mailbox",
	Long: `Run empties the mailbox, then runs each scenario in turn: sending a
batch and checking the count, checking the fields of a single email, and
checking the fields of a batch with cc, bcc and reply-to. The mailbox is
emptied again after every scenario.`,
	RunE: runRun,
}

var (
	countFlag      int
	recipientsFlag int
	ccFlag         int
	bccFlag        int
	replyToFlag    int
	htmlFlag       bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a batch of test emails and print their markers",
	RunE:  runSend,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the messages in the mailbox",
	RunE:  runList,
}

var emptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Delete every message in the mailbox",
	RunE:  runEmpty,
}

var relayDirFlag string

var relayAuthCmd = &cobra.Command{
	Use:   "relay-auth",
	Short: "Write auth files for a relay that reads credentials from disk",
	Long: `relay-auth writes client-auth.txt and server-auth.txt to --dir using
SMTP_USERNAME and SMTP_PASSWORD.`,
	RunE: runRelayAuth,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&levelFlag, "level", "info", `log level: "info", "debug", or "warn"`)
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to a YAML file containing your configuration")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", userconfig.DotEnvFile, "dotenv file to load if it exists")

	runCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", "", "write Prometheus metrics for the run to this file")
	runCmd.Flags().Int64Var(&seedFlag, "seed", 0, "seed for generated content (0 for random)")
	runCmd.Flags().IntVar(&messagesFlag, "messages", 0, "emails per batch scenario (0 for a random number up to the mailbox limit)")

	sendCmd.Flags().IntVar(&countFlag, "count", 1, "number of emails")
	sendCmd.Flags().IntVar(&recipientsFlag, "recipients", 1, "recipients per email")
	sendCmd.Flags().IntVar(&ccFlag, "cc", 0, "cc recipients per email")
	sendCmd.Flags().IntVar(&bccFlag, "bcc", 0, "bcc recipients per email")
	sendCmd.Flags().IntVar(&replyToFlag, "reply-to", 0, "reply-to addresses per email")
	sendCmd.Flags().BoolVar(&htmlFlag, "html", false, "add an HTML alternative part")
	sendCmd.Flags().Int64Var(&seedFlag, "seed", 0, "seed for generated content (0 for random)")

	relayAuthCmd.Flags().StringVar(&relayDirFlag, "dir", "./relay", "directory for the auth files")

	rootCmd.AddCommand(runCmd, sendCmd, listCmd, emptyCmd, relayAuthCmd)
}

func loadConfig() (userconfig.Config, error) {
	c, err := userconfig.Load(configFlag, os.LookupEnv)
	if err != nil {
		return userconfig.Config{}, fmt.Errorf("problem with your config: %w", err)
	}
	log.Info().
		Str("relay", c.SMTP.Address()).
		Str("mailbox", c.Mailbox.Provider).
		Msg("successfully validated the config")
	return c, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	gen := fakedata.NewGenerator(seedFlag)
	sender, err := email.NewSender(c.SMTP, gen)
	if err != nil {
		return err
	}
	inspector, err := mailbox.New(c.Mailbox)
	if err != nil {
		return err
	}

	m := check.NewMetrics()
	r := &check.Runner{
		Sender:      sender,
		Inspector:   inspector,
		Wait:        c.Wait,
		MaxMessages: c.Mailbox.MaxMessages,
		Metrics:     m,
	}
	count := func() int {
		if messagesFlag > 0 {
			return messagesFlag
		}
		return gen.Count(c.Mailbox.MaxMessages)
	}

	results := r.Run(cmd.Context(), check.Suite(count))

	if metricsFileFlag != "" {
		if err := m.WriteTextfile(metricsFileFlag); err != nil {
			log.Error().Err(err).Str("path", metricsFileFlag).Msg("can't write the metrics file")
		}
	}

	failed := 0
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-4v %v (%v)\n", status, res.Name, res.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%v of %v scenarios failed", failed, len(results))
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	sender, err := email.NewSender(c.SMTP, fakedata.NewGenerator(seedFlag))
	if err != nil {
		return err
	}
	out, err := sender.Send(cmd.Context(), email.Batch{
		Messages:   countFlag,
		Recipients: recipientsFlag,
		Cc:         ccFlag,
		Bcc:        bccFlag,
		ReplyTo:    replyToFlag,
		HTML:       htmlFlag,
	})
	for _, o := range out {
		fmt.Fprintf(cmd.OutOrStdout(), "%v\t%v\n", o.Marker, o.Subject)
	}
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	inspector, err := mailbox.New(c.Mailbox)
	if err != nil {
		return err
	}
	ids, err := inspector.Messages(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range ids {
		in, err := inspector.Message(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%v\t%v\t%v\n", in.ID, in.Sender, in.Subject)
	}
	log.Info().Int("count", len(ids)).Msg("listed messages")
	return nil
}

func runEmpty(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	inspector, err := mailbox.New(c.Mailbox)
	if err != nil {
		return err
	}
	if err := inspector.Empty(cmd.Context()); err != nil {
		return err
	}
	log.Info().Str("mailbox", c.Mailbox.Provider).Msg("emptied the mailbox")
	return nil
}

func runRelayAuth(cmd *cobra.Command, args []string) error {
	user, _ := os.LookupEnv(userconfig.EnvSMTPUsername)
	pass, _ := os.LookupEnv(userconfig.EnvSMTPPassword)
	if err := userconfig.WriteRelayAuth(relayDirFlag, user, pass); err != nil {
		return err
	}
	log.Info().Str("dir", relayDirFlag).Msg("wrote the relay auth files")
	return nil
}

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	log.Logger = log.With().Caller().Logger()

	// Cancel whatever is in flight on an interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info().Msg("interrupt: stopping")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("relaycheck failed")
		cancel()
		os.Exit(1)
	}
	cancel()
}
