package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mnehpets/onerpc/wsrpc"
)

type callOptions struct {
	url          string
	token        string
	clientID     string
	clientSecret string
	tokenURL     string
	scopes       []string
	notify       bool
	listen       time.Duration
	timeout      time.Duration
}

func newCallCmd() *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Call a method on a onerpc server",
		Long: `Call METHOD with PARAMS, a JSON array or object, and print the result.

With --listen the connection stays open afterwards and server
notifications are printed as they arrive.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return errors.New("params must be valid JSON")
				}
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), opts, args[0], params)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8080/rpc", "server WebSocket URL")
	f.StringVar(&opts.token, "token", "", "bearer token")
	f.StringVar(&opts.clientID, "client-id", "", "OAuth2 client id for the client credentials flow")
	f.StringVar(&opts.clientSecret, "client-secret", "", "OAuth2 client secret")
	f.StringVar(&opts.tokenURL, "token-url", "", "OAuth2 token endpoint")
	f.StringSliceVar(&opts.scopes, "scope", nil, "OAuth2 scopes")
	f.BoolVar(&opts.notify, "notify", false, "send a notification and do not wait for a result")
	f.DurationVar(&opts.listen, "listen", 0, "print notifications for this long after the call")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "call timeout")
	return cmd
}

// tokenSource picks a static token or the client credentials flow.
func (o callOptions) tokenSource(ctx context.Context) oauth2.TokenSource {
	switch {
	case o.token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token})
	case o.clientID != "":
		cc := &clientcredentials.Config{
			ClientID:     o.clientID,
			ClientSecret: o.clientSecret,
			TokenURL:     o.tokenURL,
			Scopes:       o.scopes,
		}
		return cc.TokenSource(ctx)
	}
	return nil
}

func runCall(ctx context.Context, out io.Writer, opts callOptions, method string, params json.RawMessage) error {
	dialOpts := []wsrpc.DialOption{
		wsrpc.WithNotificationHandler(func(method string, params json.RawMessage) {
			fmt.Fprintf(out, "<- %s %s\n", method, params)
		}),
	}
	if ts := opts.tokenSource(ctx); ts != nil {
		dialOpts = append(dialOpts, wsrpc.WithTokenSource(ts))
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c, err := wsrpc.Dial(callCtx, opts.url, dialOpts...)
	if err != nil {
		return err
	}
	defer c.Close()

	var p any
	if params != nil {
		p = params
	}
	if opts.notify {
		if err := c.Notify(callCtx, method, p); err != nil {
			return err
		}
	} else {
		var result json.RawMessage
		if err := c.Call(callCtx, method, p, &result); err != nil {
			return err
		}
		fmt.Fprintln(out, string(result))
	}

	if opts.listen > 0 {
		select {
		case <-time.After(opts.listen):
		case <-c.Done():
		case <-ctx.Done():
		}
	}
	return nil
}
