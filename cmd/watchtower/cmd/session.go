package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/watchtower/backend"
	"github.com/jmcleod/watchtower/config"
	"github.com/jmcleod/watchtower/session"
)

// sessionRun is one CLI invocation's session machine plus the state that
// carries its cookies to the next invocation.
type sessionRun struct {
	machine *session.Machine
	client  *backend.Client
	jar     *cookieJar
	base    *url.URL
	state   *clientState
}

func openSession(opts *rootOptions) (*sessionRun, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading client config: %w", err)
	}
	machineOpts := []session.Option{
		session.WithDemoMode(cfg.DemoMode),
		session.WithLoginGrace(cfg.LoginGrace),
		session.WithLogoutGrace(cfg.LogoutGrace),
		session.WithLogger(opts.logger),
	}
	if cfg.DemoMode {
		return &sessionRun{machine: session.New(nil, machineOpts...)}, nil
	}

	jar, err := newCookieJar(nil)
	if err != nil {
		return nil, err
	}
	client, err := backend.New(cfg, backend.WithLogger(opts.logger), backend.WithCookieJar(jar))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	state, err := openClientState(opts.stateDir)
	if err != nil {
		return nil, err
	}
	if err := state.restoreCookies(jar, base); err != nil {
		state.Close()
		return nil, fmt.Errorf("restoring cookies: %w", err)
	}
	return &sessionRun{
		machine: session.New(client, machineOpts...),
		client:  client,
		jar:     jar,
		base:    base,
		state:   state,
	}, nil
}

// Close persists the cookie jar and releases the state file.
func (s *sessionRun) Close() error {
	if s.state == nil {
		return nil
	}
	err := s.state.saveCookies(s.jar, s.base)
	return errors.Join(err, s.state.Close())
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the session with the SSO service and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			run, err := openSession(opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, run.Close()) }()

			run.machine.CheckStatus(cmd.Context(), true)
			return printJSON(cmd.OutOrStdout(), run.machine.State())
		},
	}
}

type loginOutput struct {
	session.LoginResult
	State session.State `json:"state"`
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in; the password is read from the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer password.Destroy()

			run, err := openSession(opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, run.Close()) }()

			res := run.machine.Login(cmd.Context(), args[0], strings.TrimRight(password.String(), "\r"))
			if err := printJSON(cmd.OutOrStdout(), loginOutput{LoginResult: res, State: run.machine.State()}); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("login failed: %s", res.Error)
			}
			return nil
		},
	}
}

// readPassword reads one line into locked memory. The delimiter is not
// included.
func readPassword(r io.Reader) (*memguard.LockedBuffer, error) {
	buf, err := memguard.NewBufferFromReaderUntil(r, '\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if buf == nil || buf.Size() == 0 {
		if buf != nil {
			buf.Destroy()
		}
		return nil, errors.New("no password on stdin")
	}
	return buf, nil
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			run, err := openSession(opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, run.Close()) }()

			run.machine.Logout(cmd.Context())
			return printJSON(cmd.OutOrStdout(), run.machine.State())
		},
	}
}
