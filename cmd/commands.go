package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"qa-chat/handler"
	"qa-chat/internal/domain"
	"qa-chat/internal/integrations/firebaseauth"
	"qa-chat/internal/render"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:   "qa-chat",
		Short: "Ask questions of a document QA service from the terminal",
		Long: `qa-chat keeps a chat transcript with a question-answering backend.
Guests keep history on this device; signed-in users keep it in their
account and see it on every device.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	// run wires the app and, when chat is set, starts following the
	// active identity's transcript before calling fn.
	run := func(chat bool, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			if chat {
				a.chat.Start(ctx)
			}
			return fn(ctx, a, args)
		}
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat (default)",
		Args:  cobra.NoArgs,
		RunE: run(true, func(ctx context.Context, a *app, _ []string) error {
			return a.console.Run(ctx, os.Stdin)
		}),
	}
	root.RunE = chatCmd.RunE
	root.Args = cobra.NoArgs

	askCmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(true, func(ctx context.Context, a *app, args []string) error {
			if err := a.console.Ask(ctx, strings.Join(args, " ")); err != nil {
				return errReported
			}
			return nil
		}),
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print the transcript",
		Args:  cobra.NoArgs,
		RunE: run(true, func(_ context.Context, a *app, _ []string) error {
			a.console.History()
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the transcript",
		Args:  cobra.NoArgs,
		RunE: run(true, func(ctx context.Context, a *app, _ []string) error {
			if err := a.console.Clear(ctx); err != nil {
				return errReported
			}
			return nil
		}),
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Attach a PDF to the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: run(true, func(ctx context.Context, a *app, args []string) error {
			if err := a.console.Upload(ctx, args[0]); err != nil {
				return errReported
			}
			return nil
		}),
	}

	exportCmd := &cobra.Command{
		Use:   "export <out.html>",
		Short: "Write the transcript as a standalone HTML page",
		Args:  cobra.ExactArgs(1),
		RunE: run(true, func(_ context.Context, a *app, args []string) error {
			t := a.chat.Transcript()
			title := "qa-chat transcript"
			if t.Identity.IsAuthenticated() {
				title += " for " + firstNonEmpty(t.Identity.User.DisplayName, t.Identity.User.Email)
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := render.HTML(f, title, t.Messages); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			abs, _ := filepath.Abs(args[0])
			fmt.Printf("Wrote %d messages to %s\n", len(t.Messages), abs)
			return nil
		}),
	}

	root.AddCommand(chatCmd, askCmd, historyCmd, clearCmd, uploadCmd, exportCmd)
	root.AddCommand(accountCmds(run)...)
	return root
}

type runFunc func(chat bool, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error

func accountCmds(run runFunc) []*cobra.Command {
	var email, password, username string

	register := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: run(false, func(ctx context.Context, a *app, _ []string) error {
			user, err := a.accounts.Register(ctx, email, password, username)
			return reportAccount(a, user.UID != "", err)
		}),
	}
	register.Flags().StringVar(&email, "email", "", "account email")
	register.Flags().StringVar(&password, "password", "", "account password")
	register.Flags().StringVar(&username, "username", "", "display name")

	login := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: run(false, func(ctx context.Context, a *app, _ []string) error {
			user, err := a.accounts.SignIn(ctx, email, password)
			return reportAccount(a, user.UID != "", err)
		}),
	}
	login.Flags().StringVar(&email, "email", "", "account email")
	login.Flags().StringVar(&password, "password", "", "account password")

	var idp firebaseauth.IdPCredential
	loginOAuth := &cobra.Command{
		Use:   "login-oauth",
		Short: "Sign in with a token issued by an OAuth provider",
		Args:  cobra.NoArgs,
		RunE: run(false, func(ctx context.Context, a *app, _ []string) error {
			user, err := a.accounts.SignInWithProvider(ctx, idp)
			return reportAccount(a, user.UID != "", err)
		}),
	}
	loginOAuth.Flags().StringVar(&idp.ProviderID, "provider", "google.com", "provider id")
	loginOAuth.Flags().StringVar(&idp.IDToken, "id-token", "", "OAuth ID token")
	loginOAuth.Flags().StringVar(&idp.AccessToken, "access-token", "", "OAuth access token")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Sign out; the next session starts as a new guest",
		Args:  cobra.NoArgs,
		RunE: run(false, func(ctx context.Context, a *app, _ []string) error {
			if err := a.accounts.SignOut(ctx); err != nil {
				fmt.Println(handler.Notice(err))
				return errReported
			}
			fmt.Println("Signed out.")
			return nil
		}),
	}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: run(false, func(ctx context.Context, a *app, _ []string) error {
			if a.session.CurrentUser() != nil {
				if _, err := a.session.Reload(ctx); err != nil {
					a.logger.Warn("profile refresh failed, showing cached profile", "err", err)
				}
			}
			id := a.resolver.Current(ctx)
			fmt.Println(handler.IdentityLine(id))
			if id.IsAuthenticated() && id.User.PhotoURL != "" {
				fmt.Println("Photo: " + id.User.PhotoURL)
			}
			return nil
		}),
	}

	return []*cobra.Command{register, login, loginOAuth, logout, whoami}
}

// reportAccount prints the outcome of a sign-in. A sign-in can succeed
// while still returning an error about the profile record.
func reportAccount(a *app, signedIn bool, err error) error {
	if signedIn {
		if u := a.accounts.Current(); u != nil {
			fmt.Println(handler.IdentityLine(domain.UserIdentity(*u)))
		}
	}
	if err != nil {
		fmt.Println(handler.Notice(err))
		return errReported
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
