package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/watchtower/navlink"
)

func newLinkCmd(opts *rootOptions) *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Profile navigation links",
		Long: `Encode and decode profile deep links, and hand navigation targets to a
profile view through the shared client state.`,
	}
	link.AddCommand(
		newLinkEncodeCmd(),
		newLinkDecodeCmd(),
		newLinkPushCmd(opts),
		newLinkResolveCmd(opts),
	)
	return link
}

func parseTarget(profile, id string) (navlink.Target, error) {
	p, err := navlink.ParseProfileType(profile)
	if err != nil {
		return navlink.Target{}, err
	}
	t := navlink.Target{Profile: p, EntityID: id}
	return t, t.Validate()
}

func newLinkEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode <profile> <entity-id>",
		Short: "Print the URL fragment that opens an entity in a profile view",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), navlink.EncodeHash(t))
			return nil
		},
	}
}

type targetOutput struct {
	Profile  string `json:"profileType"`
	EntityID string `json:"entityId"`
}

func newLinkDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <fragment>",
		Short: "Decode a profile link fragment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := navlink.ParseHash(args[0])
			if !ok {
				return errors.New("not a profile link fragment")
			}
			return printJSON(cmd.OutOrStdout(), targetOutput{Profile: string(t.Profile), EntityID: t.EntityID})
		},
	}
}

func newLinkPushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <profile> <entity-id>",
		Short: "Leave a navigation target for the next resolve of that profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], args[1])
			if err != nil {
				return err
			}
			state, err := openClientState(opts.stateDir)
			if err != nil {
				return err
			}
			defer state.Close()
			return navlink.NewStoreInbox(state.Store(), opts.logger).Put(t, time.Now())
		},
	}
}

type resolveOutput struct {
	Profile    string `json:"profileType"`
	State      string `json:"state"`
	ExternalID string `json:"externalId,omitempty"`
}

func newLinkResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		hash      string
		autoClear bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <profile>",
		Short: "Resolve the pending navigation target for a profile view",
		Long: `Resolve runs the same lookup a profile view does when it mounts: the
--hash fragment first, then the target left by "link push".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := navlink.ParseProfileType(args[0])
			if err != nil {
				return err
			}
			state, err := openClientState(opts.stateDir)
			if err != nil {
				return err
			}
			defer state.Close()

			r := navlink.NewResolver(profile, []navlink.Inbox{
				navlink.NewHashInbox(navlink.NewMemoryLocation(hash), opts.logger),
				navlink.NewStoreInbox(state.Store(), opts.logger),
			}, navlink.WithAutoClear(autoClear), navlink.WithLogger(opts.logger))
			r.Attach()
			defer r.Detach()

			snap := r.Snapshot()
			return printJSON(cmd.OutOrStdout(), resolveOutput{
				Profile:    string(profile),
				State:      snap.State.String(),
				ExternalID: snap.ExternalID,
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "URL fragment of the view, if any")
	cmd.Flags().BoolVar(&autoClear, "clear", false, "Consume the stored target once resolved")
	return cmd
}
