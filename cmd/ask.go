package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/grpc"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

// previewRows caps the rows rendered in the terminal.
const previewRows = 20

type askOptions struct {
	session string
	json    bool
	verbose bool
	plain   bool
	server  string
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Long: `Ask runs one turn, in process or against a running server (--server).

With --json the request is read from stdin as {"query": ..., "session_id": ...,
"prior_history": [...]} unless a question is given as arguments, and the full
response is written to stdout as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			resp, err := opts.run(cmd.Context(), root, req, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			return render(cmd.OutOrStdout(), resp, opts.plain)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.session, "session", "s", "", "session id for conversation history")
	flags.BoolVar(&opts.json, "json", false, "read the request from stdin and write the response as JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print turn events to stderr")
	flags.BoolVar(&opts.plain, "plain", false, "print plain text instead of rendered markdown")
	flags.StringVar(&opts.server, "server", "", "gRPC address of a running query router")
	return cmd
}

func (o *askOptions) request(stdin io.Reader, args []string) (runtime.TurnRequest, error) {
	var req runtime.TurnRequest
	switch {
	case len(args) > 0:
		req.Query = strings.Join(args, " ")
	case o.json:
		if err := json.NewDecoder(stdin).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request on stdin: %w", err)
		}
	default:
		return req, fmt.Errorf("a question is required")
	}
	if o.session != "" {
		req.SessionID = o.session
	}
	if o.verbose && req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, nil
}

func (o *askOptions) run(ctx context.Context, root *rootOptions, req runtime.TurnRequest, events io.Writer) (*runtime.TurnResponse, error) {
	if o.server != "" {
		return o.runRemote(ctx, req, events)
	}

	a, err := newApp(ctx, root.settings, root.logger)
	if err != nil {
		return nil, err
	}
	defer a.Close(context.Background())

	if o.verbose {
		var mu sync.Mutex
		unsubscribe := commbus.SubscribeSession(a.bus, req.SessionID, func(e commbus.TurnEvent) {
			payload, err := json.Marshal(e)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			printEvent(events, commbus.GetMessageType(e), payload)
		})
		defer unsubscribe()
	}
	return a.orch.Run(ctx, req), nil
}

func (o *askOptions) runRemote(ctx context.Context, req runtime.TurnRequest, events io.Writer) (*runtime.TurnResponse, error) {
	conn, err := grpc.Dial(o.server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	client := grpc.NewClient(conn)

	if o.verbose {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stream, err := client.Watch(watchCtx, req.SessionID)
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		defer func() { cancel(); <-done }()
		go func() {
			defer close(done)
			for {
				e, err := stream.Recv()
				if err != nil {
					return
				}
				printEvent(events, e.Type, e.Payload)
			}
		}()
	}
	return client.Ask(ctx, &req)
}

func printEvent(w io.Writer, typ string, payload []byte) {
	fmt.Fprintf(w, "[%s] %s\n", typ, payload)
}

// render prints resp as markdown, through glamour unless plain is set or
// rendering fails.
func render(w io.Writer, resp *runtime.TurnResponse, plain bool) error {
	md := markdown(resp)
	if !plain {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			if out, err := r.Render(md); err == nil {
				_, err = io.WriteString(w, out)
				return err
			}
		}
	}
	_, err := io.WriteString(w, md)
	return err
}

func markdown(resp *runtime.TurnResponse) string {
	var b strings.Builder
	if resp.ResponseText != "" {
		b.WriteString(resp.ResponseText)
		b.WriteString("\n\n")
	}
	if !resp.Success && resp.Error != "" {
		fmt.Fprintf(&b, "**Error** (%s): %s\n\n", resp.ErrorKind, resp.Error)
	}
	if len(resp.Data) > 0 {
		writeTable(&b, resp.Data)
		if resp.RowCount > previewRows || resp.Truncated {
			fmt.Fprintf(&b, "_%d of %d rows shown_\n\n", min(len(resp.Data), previewRows), resp.RowCount)
		}
	}
	if resp.QueryExecuted != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", resp.QueryExecuted)
	}
	if len(resp.Suggestions) > 0 {
		b.WriteString("**Try asking:**\n\n")
		for _, s := range resp.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "_%s · %s · %d ms_\n", resp.Domain, strings.Join(resp.ExecutionPath, " → "), resp.DurationMS)
	return b.String()
}

// writeTable renders rows as a markdown table. Columns appear in the order
// first seen, sorted within each row.
func writeTable(b *strings.Builder, rows []map[string]any) {
	if len(rows) > previewRows {
		rows = rows[:previewRows]
	}
	var cols []string
	seen := make(map[string]bool)
	for _, row := range rows {
		for _, k := range slices.Sorted(maps.Keys(row)) {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}

	b.WriteString("| " + strings.Join(cols, " | ") + " |\n|")
	b.WriteString(strings.Repeat(" --- |", len(cols)))
	b.WriteString("\n")
	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := row[c]; ok && v != nil {
				cells[i] = strings.ReplaceAll(fmt.Sprint(v), "|", `\|`)
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	b.WriteString("\n")
}
