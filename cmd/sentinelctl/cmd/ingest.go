package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-anomaly-service/internal/app"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

type ingestOutcome struct {
	DedupKey  string          `json:"dedup_key,omitempty"`
	Duplicate bool            `json:"duplicate"`
	Anomaly   *domain.Anomaly `json:"anomaly,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Ingest feed items from a JSON file",
		Long: `Ingest one feed item object or an array of them. Items whose
"source:event_id" key was already ingested are reported as duplicates and
not written again. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			items, err := splitItems(raw)
			if err != nil {
				return err
			}

			return opts.withApp(cmd, func(core *app.App) error {
				out := make([]ingestOutcome, 0, len(items))
				failed := 0
				for _, value := range items {
					item, err := domain.ParseFeedItem(domain.RawEvent{Value: value})
					if err != nil {
						out = append(out, ingestOutcome{Error: err.Error()})
						failed++
						continue
					}
					res, err := core.Lifecycle.Ingest(cmd.Context(), item)
					if err != nil {
						out = append(out, ingestOutcome{DedupKey: item.DedupKey(), Error: err.Error()})
						failed++
						continue
					}
					out = append(out, ingestOutcome{
						DedupKey:  item.DedupKey(),
						Duplicate: res.Duplicate,
						Anomaly:   res.Anomaly,
					})
				}
				if err := printJSON(cmd, out); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d items failed", failed, len(items))
				}
				return nil
			})
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// splitItems returns the raw JSON of every item in an object or array.
func splitItems(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("parse feed items: %w", err)
		}
		return items, nil
	}
	return []json.RawMessage{data}, nil
}
