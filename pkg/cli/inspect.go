package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/getmockd/replayd/internal/canonical"
	"github.com/getmockd/replayd/pkg/cli/internal/output"
	"github.com/getmockd/replayd/pkg/config"
	"github.com/getmockd/replayd/pkg/fingerprint"
	"github.com/getmockd/replayd/pkg/recording"
	"github.com/getmockd/replayd/pkg/replay"
)

// ErrInvalidExplain is returned when --explain is not "METHOD URL". The URL
// may be quoted.
var ErrInvalidExplain = errors.New(`--explain expects "METHOD URL"`)

// InspectOutput is the JSON form of a fixture summary.
type InspectOutput struct {
	Path      string         `json:"path"`
	Keys      int            `json:"keys"`
	Exchanges int            `json:"exchanges"`
	Entries   []InspectEntry `json:"entries"`
}

// InspectEntry lists the exchanges filed under one key.
type InspectEntry struct {
	Key       string           `json:"key"`
	Exchanges []InspectRequest `json:"exchanges"`
}

// InspectRequest is the one-line form of a recorded exchange.
type InspectRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// ExplainOutput is the JSON form of --explain.
type ExplainOutput struct {
	Method     string             `json:"method"`
	URL        string             `json:"url"`
	Keys       []string           `json:"keys"`
	Tier       replay.Tier        `json:"tier"`
	Candidates []ExplainCandidate `json:"candidates"`
}

// ExplainCandidate is one scored candidate. The first entry is the one
// replay would serve.
type ExplainCandidate struct {
	InspectRequest
	Distance int  `json:"distance"`
	Selected bool `json:"selected"`
}

type inspectFlags struct {
	dataPath string
	explain  string
	body     string
	headers  []string
	host     string
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a fixture file or explain how a request would be replayed",
		Example: `  # List every recorded exchange
  replayd inspect -d replayd-data.json

  # Show which recording a request would get
  replayd inspect --explain "GET https://api.example.com/users/42"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := loadFixture(f.dataPath)
			if err != nil {
				return err
			}
			store, err := recording.LoadMatchStore(data, recording.StoreOptions{})
			if err != nil {
				return fmt.Errorf("fixture %s: %w", f.dataPath, err)
			}

			if f.explain != "" {
				out, err := explain(store, f)
				if err != nil {
					return err
				}
				if jsonFlag(cmd) {
					return output.JSON(cmd.OutOrStdout(), out)
				}
				printExplain(cmd.OutOrStdout(), out)
				return nil
			}

			out := summarize(f.dataPath, store)
			if jsonFlag(cmd) {
				return output.JSON(cmd.OutOrStdout(), out)
			}
			printSummary(cmd.OutOrStdout(), out)
			return nil
		},
	}

	flags := inspectCmd.Flags()
	flags.StringVarP(&f.dataPath, "data-path", "d", config.DefaultDataPath, "Fixture file to inspect")
	flags.StringVar(&f.explain, "explain", "", `Request to match, as "METHOD URL"`)
	flags.StringVar(&f.body, "body", "", "Request body for --explain")
	flags.StringArrayVarP(&f.headers, "header", "H", nil, `Request header for --explain, as "Name: value" (repeatable)`)
	flags.StringVar(&f.host, "host", "", `Host header for --explain. The proxy records the address clients used to reach it (e.g. "localhost:4280"); without it the full key never matches a proxied recording`)

	return inspectCmd
}

func summarize(path string, store *recording.MatchStore) InspectOutput {
	out := InspectOutput{Path: path, Entries: []InspectEntry{}}
	for _, key := range store.Keys() {
		list, _ := store.Lookup(key)
		entry := InspectEntry{Key: key, Exchanges: make([]InspectRequest, 0, len(list))}
		for _, ex := range list {
			entry.Exchanges = append(entry.Exchanges, requestLine(ex))
		}
		out.Entries = append(out.Entries, entry)
		out.Exchanges += len(list)
	}
	out.Keys = len(out.Entries)
	return out
}

func printSummary(w io.Writer, out InspectOutput) {
	if out.Keys == 0 {
		fmt.Fprintf(w, "No recordings in %s\n", out.Path)
		return
	}

	tw := output.Table(w)
	fmt.Fprintln(tw, "KEY\tCOUNT\tMETHOD\tURL\tSTATUS")
	for _, entry := range out.Entries {
		if len(entry.Exchanges) == 0 {
			fmt.Fprintf(tw, "%s\t0\t-\t-\t-\n", shortKey(entry.Key))
			continue
		}
		for i, req := range entry.Exchanges {
			key, count := "", ""
			if i == 0 {
				key, count = shortKey(entry.Key), fmt.Sprint(len(entry.Exchanges))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", key, count, req.Method, output.Truncate(req.URL, 60), req.Status)
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d keys, %d exchanges\n", out.Keys, out.Exchanges)
}

func explain(store *recording.MatchStore, f *inspectFlags) (ExplainOutput, error) {
	words, err := shellquote.Split(f.explain)
	if err != nil || len(words) != 2 {
		return ExplainOutput{}, ErrInvalidExplain
	}
	method, rawURL := words[0], words[1]

	headers := recording.Headers{}
	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return ExplainOutput{}, fmt.Errorf("invalid header %q: expected \"Name: value\"", h)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if f.host != "" {
		headers["host"] = f.host
	}

	live := recording.Request{
		URL:     strings.TrimRight(rawURL, "/"),
		Method:  strings.ToUpper(method),
		Body:    canonical.Body(f.body),
		Headers: headers,
	}
	keys := fingerprint.Compute(live)
	tier, list, ranked := replay.NewResolver(store).Explain(keys, live)

	out := ExplainOutput{
		Method:     live.Method,
		URL:        live.URL,
		Keys:       keys.Slice(),
		Tier:       tier,
		Candidates: make([]ExplainCandidate, 0, len(ranked)),
	}
	for i, c := range ranked {
		out.Candidates = append(out.Candidates, ExplainCandidate{
			InspectRequest: requestLine(list[c.Index]),
			Distance:       c.Distance,
			Selected:       i == 0,
		})
	}
	return out, nil
}

func printExplain(w io.Writer, out ExplainOutput) {
	fmt.Fprintf(w, "Request: %s %s\n", out.Method, out.URL)
	for i, key := range out.Keys {
		fmt.Fprintf(w, "  %-12s %s\n", fingerprint.Tier(i).String()+":", key)
	}
	fmt.Fprintf(w, "Matched tier: %s\n", out.Tier)

	if len(out.Candidates) == 0 {
		fmt.Fprintln(w, "No candidates: replay would not serve a response")
		return
	}

	fmt.Fprintln(w)
	tw := output.Table(w)
	fmt.Fprintln(tw, "\tDISTANCE\tMETHOD\tURL\tSTATUS")
	for _, c := range out.Candidates {
		mark := ""
		if c.Selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n", mark, c.Distance, c.Method, output.Truncate(c.URL, 60), c.Status)
	}
	_ = tw.Flush()
}

func requestLine(ex recording.Exchange) InspectRequest {
	status := ex.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	return InspectRequest{Method: ex.Request.Method, URL: ex.Request.URL, Status: status}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
