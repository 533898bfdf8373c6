package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/streamwire/internal/auth"
	"github.com/codewiresh/streamwire/internal/config"
	"github.com/codewiresh/streamwire/internal/host"
	"github.com/codewiresh/streamwire/streaming"
)

const requestTimeout = 30 * time.Second

// target resolves the --server flag to a URL and handshake header. Without
// a flag the local socket from the config is used.
func target() (string, http.Header, error) {
	dir, err := dataDir()
	if err != nil {
		return "", nil, err
	}
	if serverFlag == "" {
		cfg, err := config.Load(dir)
		if err != nil {
			return "", nil, fmt.Errorf("loading config: %w", err)
		}
		if cfg.Socket == "" {
			return "", nil, fmt.Errorf("no unix socket configured; pass --server")
		}
		return "unix://" + cfg.Socket, nil, nil
	}

	token := tokenFlag
	if token == "" {
		token = strings.TrimSpace(os.Getenv("STREAMWIRE_TOKEN"))
	}
	if token == "" && !strings.HasPrefix(serverFlag, "unix:") {
		if data, err := os.ReadFile(filepath.Join(dir, "token")); err == nil {
			token = strings.TrimSpace(string(data))
		} else if stdinIsTerminal() {
			if token, err = promptSecret("Token: "); err != nil {
				return "", nil, err
			}
		}
	}
	return serverFlag, auth.Header(token), nil
}

func connect(ctx context.Context, handler streaming.RequestHandler) (*streaming.Client, error) {
	url, header, err := target()
	if err != nil {
		return nil, err
	}
	c, err := streaming.NewClient(url, handler)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Connect(dialCtx, header); err != nil {
		return nil, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// pingCmd
// ---------------------------------------------------------------------------

func pingCmd() *cobra.Command {
	var count int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure request round-trip time to a host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for i := 0; count <= 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				start := time.Now()
				reqCtx, reqCancel := context.WithTimeout(ctx, requestTimeout)
				resp, err := c.Send(reqCtx, streaming.NewRequest(streaming.VerbGet, host.PathPing))
				reqCancel()
				if err != nil {
					return fmt.Errorf("ping %d: %w", i+1, err)
				}
				fmt.Fprintf(out, "%s from %s: seq=%d status=%d time=%s\n",
					resp.Body(), c.URL(), i+1, resp.StatusCode, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "Number of pings (0 = until interrupted)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Wait between pings")
	return cmd
}

// ---------------------------------------------------------------------------
// sendCmd
// ---------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var verb, contentType string
	cmd := &cobra.Command{
		Use:   "send <path> [body|-]",
		Short: "Send one request and print the response",
		Long: `Send one request and print the response body.

A body of "-" is read from stdin. For example, to push a message to every
watcher connected to the host:

  swire send /api/broadcast "deploy finished"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := streaming.NewRequest(strings.ToUpper(verb), args[0])
			if len(args) == 2 {
				body := []byte(args[1])
				if args[1] == "-" {
					if stdinIsTerminal() {
						fmt.Fprintln(os.Stderr, "[swire] reading body from stdin, end with Ctrl-D")
					}
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
					body = data
				}
				req.AddStream(contentType, body)
				if !cmd.Flags().Changed("verb") {
					req.Verb = streaming.VerbPost
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			c, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			reqCtx, reqCancel := context.WithTimeout(ctx, requestTimeout)
			defer reqCancel()
			resp, err := c.Send(reqCtx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range resp.Streams {
				out.Write(s.Data)
				if len(s.Data) > 0 && s.Data[len(s.Data)-1] != '\n' {
					fmt.Fprintln(out)
				}
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%s %s: status %d", req.Verb, req.Path, resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&verb, "verb", "X", streaming.VerbGet, "Request verb (POST when a body is given)")
	cmd.Flags().StringVarP(&contentType, "type", "t", "text/plain; charset=utf-8", "Body content type")
	return cmd
}

// ---------------------------------------------------------------------------
// watchCmd
// ---------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print broadcasts pushed by the host until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			handler := streaming.RequestHandlerFunc(func(ctx context.Context, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error) {
				if req.Path != host.PathNotify {
					return streaming.NewResponse(http.StatusNotFound), nil
				}
				fmt.Fprintf(out, "[%s] %s\n", time.Now().Format(time.TimeOnly), req.Body())
				return streaming.NewResponse(http.StatusNoContent), nil
			})

			c, err := connect(ctx, handler)
			if err != nil {
				return err
			}
			defer c.Close()

			lost := make(chan error, 1)
			c.OnDisconnected(func(ev streaming.DisconnectedEvent) { lost <- ev.Reason })
			fmt.Fprintf(os.Stderr, "[swire] watching %s\n", c.URL())

			select {
			case <-ctx.Done():
				return nil
			case reason := <-lost:
				if reason == nil {
					return nil
				}
				return fmt.Errorf("connection lost: %w", reason)
			}
		},
	}
}
