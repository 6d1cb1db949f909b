package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/page"
	"tpmgate/internal/roles"
)

func (a *app) listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Subscribe to the broadcasts of a role and show them as banners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := a.role(cmd)
			if err != nil {
				return err
			}
			prof, _ := a.table.Lookup(role)

			pageURL, _ := cmd.Flags().GetString("page-url")
			if pageURL == "" {
				pageURL = strings.TrimRight(a.v.GetString("gateway"), "/") + prof.Target
			}

			store, err := a.openStorage(string(role))
			if err != nil {
				return err
			}
			defer store.Close()

			banners := &terminalBanner{out: a.out}
			navigate := func(u string) { fmt.Fprintf(a.out, "open %s\n", u) }
			n, err := page.NewNotifier(a.table, role, banners, store, navigate, a.log.Named("notifier"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.log.Info("listening", zap.String("role", string(role)), zap.String("page", pageURL))
			err = a.gateway.Subscribe(ctx, pageURL, func(msg message.Outbound) {
				if n.Handle(msg) {
					return
				}
				a.printSystemMessage(msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addRoleFlag(cmd)
	cmd.Flags().String("page-url", "", "URL this page context reports (default: the role's target page)")
	return cmd
}

func (a *app) printSystemMessage(msg message.Outbound) {
	switch msg.Type {
	case message.TypeConnected:
		fmt.Fprintf(a.out, "connected, version %s\n", msg.Version)
	case message.TypeUpdateAvailable:
		fmt.Fprintf(a.out, "🔄 %s\n", msg.Message)
	case message.TypeSWUpdated, message.TypeReloadPage:
		fmt.Fprintf(a.out, "✅ %s (%s)\n", msg.Message, msg.Version)
	case message.TypeFocus:
		fmt.Fprintf(a.out, "focus %s\n", msg.URL)
	default:
		a.log.Debug("ignored gateway message", zap.String("type", msg.Type))
	}
}

func (a *app) notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Raise a notification for every open page of a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := a.role(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			machine, _ := cmd.Flags().GetString("machine")
			problem, _ := cmd.Flags().GetString("problem")

			store, err := a.openStorage("station")
			if err != nil {
				return err
			}
			defer store.Close()

			perms := page.NewPermissionManager(&stationPlatform{store: store}, newTerminalPrompt(a.in, a.out), a.log.Named("permission"))
			banners := &terminalBanner{out: a.out}
			fallback := func(r roles.Role, p message.Payload) {
				n, err := page.NewNotifier(a.table, r, banners, nil, nil, a.log)
				if err != nil {
					a.log.Warn("no banner for role", zap.String("role", string(r)), zap.Error(err))
					return
				}
				n.Fallback(r, p)
			}
			sender := page.NewSender(a.table, perms, a.gateway, fallback, a.log.Named("sender"))

			outcome, err := sender.Notify(cmd.Context(), role, page.Event{
				ID:                 id,
				MachineName:        machine,
				ProblemDescription: problem,
			})
			fmt.Fprintf(a.out, "outcome: %s\n", outcome)
			return err
		},
	}
	addRoleFlag(cmd)
	cmd.Flags().String("id", "", "event id (generated when empty)")
	cmd.Flags().String("machine", "", "machine name")
	cmd.Flags().String("problem", "", "problem description")
	return cmd
}

func (a *app) consentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consent",
		Short: "Ask for permission to show notifications on this station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStorage("station")
			if err != nil {
				return err
			}
			defer store.Close()

			perms := page.NewPermissionManager(&stationPlatform{store: store}, newTerminalPrompt(a.in, a.out), a.log.Named("permission"))
			// running the command is the user's gesture
			granted, err := perms.RequestConsent(cmd.Context(), page.UserGesture("cli"))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "permission: %s\n", perms.State())
			if !granted {
				a.log.Debug("notification consent not granted")
			}
			return nil
		},
	}
}

func (a *app) checkUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Ask the gateway to check for a new deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ack, err := a.gateway.CheckUpdate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "outcome: %s\n", ack.Outcome)
			return nil
		},
	}
}

func (a *app) skipWaitingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip-waiting",
		Short: "Activate the waiting cache version now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ack, err := a.gateway.SkipWaiting(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "outcome: %s\n", ack.Outcome)
			return nil
		},
	}
}

func (a *app) unreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show the unread notification count of a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := a.role(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStorage(string(role))
			if err != nil {
				return err
			}
			defer store.Close()

			navigate := func(u string) { fmt.Fprintf(a.out, "open %s\n", u) }
			n, err := page.NewNotifier(a.table, role, nil, store, navigate, a.log)
			if err != nil {
				return err
			}

			if open, _ := cmd.Flags().GetBool("open"); open {
				return n.ClickThrough()
			}
			count, err := n.Unread()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %d unread\n", role, count)
			return nil
		},
	}
	addRoleFlag(cmd)
	cmd.Flags().Bool("open", false, "open the role's target page and clear the counter")
	return cmd
}
