package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-anomaly-service/internal/app"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/swarm"
)

var errNoProvider = errors.New("upload analysis needs an AI provider (set AI_PRIMARY_URL)")

func newDetectCmd(opts *rootOptions) *cobra.Command {
	var (
		state   string
		query   string
		title   string
		uploads []string
	)
	cmd := &cobra.Command{
		Use:   "detect <location>",
		Short: "Run one detection round for a location",
		Long: `Aggregate every configured source for the location, score the signals
with the agent swarm and persist an anomaly when the consensus reaches the
detection threshold.

With --upload the files are cross-verified instead and an anomaly is
created unless the analyses disagree enough to be judged fake.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := domain.Location{Name: args[0], State: state}
			return opts.withApp(cmd, func(core *app.App) error {
				if len(uploads) == 0 {
					det, err := core.Detector.Detect(cmd.Context(), loc, query)
					if err != nil {
						return err
					}
					return printJSON(cmd, det)
				}

				if core.Modality == nil {
					return errNoProvider
				}
				files, err := readUploads(uploads)
				if err != nil {
					return err
				}
				if title == "" {
					title = "Reported incident near " + loc.Name
				}
				res, err := core.Detector.DetectUploads(cmd.Context(), title, &loc, core.Modality, files)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "state or region of the location")
	cmd.Flags().StringVarP(&query, "query", "q", "", "free-text query passed to every source")
	cmd.Flags().StringVar(&title, "title", "", "title for an anomaly created from uploads")
	cmd.Flags().StringArrayVar(&uploads, "upload", nil, "evidence file to cross-verify (repeatable)")
	return cmd
}

func readUploads(paths []string) ([]swarm.Upload, error) {
	out := make([]swarm.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		ct := http.DetectContentType(data)
		out = append(out, swarm.Upload{
			Name:        filepath.Base(p),
			ContentType: ct,
			Modality:    modalityFor(ct),
			Content:     data,
		})
	}
	return out, nil
}

func modalityFor(contentType string) domain.AgentType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.AgentImage
	case strings.HasPrefix(contentType, "audio/"):
		return domain.AgentAudio
	default:
		return domain.AgentText
	}
}
