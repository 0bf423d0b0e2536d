package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nkiryanov/bitguard/internal/gate"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
	"github.com/nkiryanov/bitguard/internal/session"
)

const secretKeyBytesLen = 32

var errAccessDenied = errors.New("access denied")

func newRootCmd(c *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "console",
		Short: "Admin console session client",
		Long: `Console keeps the admin session: it logs in, renews tokens,
tells which product sections the account may enter and serves them locally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		loginCmd(c),
		verifyOTPCmd(c),
		registerCmd(c),
		logoutCmd(c),
		whoamiCmd(c),
		trialCmd(c),
		accessCmd(c),
		serveCmd(c),
		gensecretCmd(),
	)

	return root
}

// withApp runs fn as a page load: wires the app, resumes stored session and puts manager to context
func withApp(c *Config, fn func(cmd *cobra.Command, args []string, app *App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := NewApp(cmd.Context(), c, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer app.Close()

		app.Manager.Bootstrap(cmd.Context())
		cmd.SetContext(session.NewContext(cmd.Context(), app.Manager))

		return fn(cmd, args, app)
	}
}

// manager is injected by withApp
func manager(cmd *cobra.Command) *session.Manager {
	m, ok := session.FromContext(cmd.Context())
	if !ok {
		panic("session manager not in command context")
	}
	return m
}

func loginCmd(c *Config) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		Args:  cobra.NoArgs,
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, _ *App) error {
			if password == "" {
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("can't read password: %w", err)
				}
			}

			result, err := manager(cmd).Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.RequiresOTP() {
				_, _ = fmt.Fprintln(out, result.Challenge.Detail)
				_, _ = fmt.Fprintf(out, "Continue with: console verify-otp --challenge %s --code <code>\n", result.Challenge.ID)
				return nil
			}

			printGreeting(out, manager(cmd).Snapshot())
			return nil
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password, read from stdin when empty")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func verifyOTPCmd(c *Config) *cobra.Command {
	var challenge, code string

	cmd := &cobra.Command{
		Use:   "verify-otp",
		Short: "Finish login with the one-time code",
		Args:  cobra.NoArgs,
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, _ *App) error {
			if err := manager(cmd).VerifyOTP(cmd.Context(), challenge, code); err != nil {
				return err
			}

			printGreeting(cmd.OutOrStdout(), manager(cmd).Snapshot())
			return nil
		}),
	}

	cmd.Flags().StringVar(&challenge, "challenge", "", "Challenge id printed by login")
	cmd.Flags().StringVar(&code, "code", "", "One-time code")
	_ = cmd.MarkFlagRequired("challenge")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func registerCmd(c *Config) *cobra.Command {
	var req accounts.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create account",
		Args:  cobra.NoArgs,
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, _ *App) error {
			if req.Password == "" {
				var err error
				if req.Password, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("can't read password: %w", err)
				}
			}

			user, err := manager(cmd).Register(cmd.Context(), req)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s). Log in to continue\n", user.Username, user.Email)
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.Username, "username", "", "Username")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password, read from stdin when empty")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name")

	return cmd
}

func logoutCmd(c *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, _ *App) error {
			if err := manager(cmd).Logout(cmd.Context()); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		}),
	}
}

func whoamiCmd(c *Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current user and subscriptions",
		Args:  cobra.NoArgs,
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, _ *App) error {
			s := manager(cmd).Snapshot()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}

			if !s.IsAuthenticated() {
				_, _ = fmt.Fprintln(out, "Not logged in")
				return nil
			}

			printGreeting(out, s)
			printSubscriptions(out, s.User.Subscriptions)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print session as JSON")

	return cmd
}

func trialCmd(c *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "trial <product>",
		Short: "Start trial subscription for product",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(c, func(cmd *cobra.Command, args []string, _ *App) error {
			result := manager(cmd).StartTrial(cmd.Context(), args[0])
			if !result.Success {
				return fmt.Errorf("trial not started: %w", result.Err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Trial started for %s\n", args[0])
			return nil
		}),
	}
}

func accessCmd(c *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "access <product>",
		Short: "Check whether current account may enter product section",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(c, func(cmd *cobra.Command, args []string, app *App) error {
			d := app.Gate.Decide(args[0], manager(cmd).Snapshot())

			switch d.Outcome {
			case gate.OutcomeGrant:
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Access to %s granted\n", args[0])
				return nil
			case gate.OutcomeWait:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Verifying access...")
				return nil
			default:
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Access to %s denied, see %s\n", args[0], d.Redirect)
				return errAccessDenied
			}
		}),
	}
}

func serveCmd(c *Config) *cobra.Command {
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve console shell over http",
		Args:  cobra.NoArgs,
		PreRun: func(*cobra.Command, []string) {
			if ephemeral {
				c.CredentialsBackend = BackendMemory
			}
		},
		RunE: withApp(c, func(cmd *cobra.Command, _ []string, app *App) error {
			srv, err := NewServerApp(app)
			if err != nil {
				return err
			}

			return srv.Run(cmd.Context())
		}),
	}

	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep credentials in memory only")

	return cmd
}

func gensecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gensecret",
		Short: "Generate secret key to seal credentials file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := make([]byte, secretKeyBytesLen)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("error while generating secret key: %w", err)
			}

			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
			return err
		},
	}
}

func printGreeting(out io.Writer, s models.Session) {
	if !s.IsAuthenticated() {
		_, _ = fmt.Fprintln(out, "Not logged in")
		return
	}

	role := ""
	if s.User.IsAdmin() {
		role = " [admin]"
	}
	_, _ = fmt.Fprintf(out, "Logged in as %s (%s)%s\n", s.User.Username, s.User.Email, role)
}

func printSubscriptions(out io.Writer, subs []models.Subscription) {
	if len(subs) == 0 {
		_, _ = fmt.Fprintln(out, "No subscriptions")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PRODUCT\tPLAN\tSTATUS\tEXPIRES")
	for _, s := range subs {
		expires := "-"
		if s.ExpiresAt != nil {
			expires = s.ExpiresAt.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ProductID, s.Plan, s.Status, expires)
	}
	_ = tw.Flush()
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
