package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var addr string
	var query string
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running kernel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			body, err := fetchStatus(ctx, &http.Client{}, addr)
			if err != nil {
				return err
			}
			return printStatus(os.Stdout, body, query)
		},
	}

	c.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Admin API address")
	c.Flags().StringVarP(&query, "query", "q", "", "JSONPath expression selecting part of the status, e.g. $.bus.queued")
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return c
}

func baseURL(addr string) string {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr)+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint answered %d", resp.StatusCode)
	}
	return body, nil
}

// printStatus writes the status indented, or only what query selects.
func printStatus(w io.Writer, body []byte, query string) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("status is not valid JSON: %w", err)
	}

	expr := strings.TrimSpace(query)
	if expr == "" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	}

	val, err := jsonpath.Get(expr, doc)
	if err != nil {
		return fmt.Errorf("query %q: %w", expr, err)
	}

	switch t := val.(type) {
	case string:
		_, err = fmt.Fprintln(w, t)
		return err
	case nil:
		return fmt.Errorf("query %q: no value found", expr)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
