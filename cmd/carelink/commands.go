package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aussiebroadwan/carelink/internal/app"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/session"
	"github.com/spf13/cobra"
)

// passwordEnv lets scripts sign in without a prompt.
const passwordEnv = "CARELINK_PASSWORD"

func loginCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				sess := application.Session()
				if err := sess.Login(ctx, email, password); err != nil {
					return err
				}
				green.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayUser(sess.UserID(ctx)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				if err := application.Session().Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session and endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				sess := application.Session()
				state := sess.Start(ctx)
				cfg := application.Config()

				out := cmd.OutOrStdout()
				yellow.Fprintln(out, "Session")
				if state == session.Authenticated {
					green.Fprintf(out, "  state:   %s\n", state)
				} else {
					red.Fprintf(out, "  state:   %s\n", state)
				}
				fmt.Fprintf(out, "  user:    %s\n", displayUser(sess.UserID(ctx)))
				yellow.Fprintln(out, "Endpoints")
				fmt.Fprintf(out, "  api:     %s\n", cfg.APIURL)
				fmt.Fprintf(out, "  socket:  %s\n", cfg.SocketURL)
				fmt.Fprintf(out, "  store:   %s", cfg.DatabaseFile)
				if err := application.Ping(ctx); err != nil {
					red.Fprintf(out, " (unreachable: %v)\n", err)
				} else {
					green.Fprintln(out, " (ok)")
				}
				return nil
			})
		},
	}
}

func requestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request METHOD PATH [JSON-BODY]",
		Short: "Send an authenticated API request and print the response body",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			var body any
			if len(args) == 3 {
				body = []byte(args[2])
			}

			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				resp, err := application.Session().API().Request(ctx, method, args[1], body)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(resp.Body, '\n'))
				return err
			})
		},
	}
}

func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail CONVERSATION",
		Short: "Print a conversation and follow new messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.ConversationID(args[0])

			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				sess := application.Session()
				if err := sess.Socket().Connect(ctx); err != nil {
					return err
				}

				conv, err := sess.Chat().Open(ctx, id)
				if err != nil {
					return err
				}
				defer conv.Close()

				out := cmd.OutOrStdout()
				for _, msg := range conv.Messages() {
					printMessage(out, msg)
				}

				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case update, ok := <-conv.Updates():
						if !ok {
							return nil
						}
						printMessage(out, update.Message)
					}
				}
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send CONVERSATION TEXT...",
		Short: "Send a text message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.ConversationID(args[0])
			text := strings.Join(args[1:], " ")

			return withApp(cmd, func(ctx context.Context, application *app.Application) error {
				socket := application.Session().Socket()
				if err := socket.Connect(ctx); err != nil {
					return err
				}
				if err := socket.JoinConversation(ctx, id); err != nil {
					return err
				}

				msg, err := socket.Send(ctx, id, text)
				if err != nil {
					return err
				}
				printMessage(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}

// readPassword takes the password from the environment or the first line of
// in.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return p, nil
	}

	fmt.Fprint(prompt, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

func displayUser(id string) string {
	if id == "" {
		return "(unknown)"
	}
	return id
}
