package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/loopcam/internal/ffmpeg"
	"github.com/jmylchreest/loopcam/internal/version"
)

var (
	versionJSON   bool
	versionFFmpeg bool
)

// versionOutput is the JSON shape of the version command.
type versionOutput struct {
	version.Info
	FFmpeg *ffmpeg.VersionInfo `json:"ffmpeg,omitempty"`
}

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of loopcam.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := versionOutput{Info: version.GetInfo()}
		var ffErr error
		if versionFFmpeg {
			out.FFmpeg, ffErr = detectFFmpeg(cmd.Context())
		}

		if versionJSON {
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling version info: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return ffErr
		}

		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		if out.FFmpeg != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "ffmpeg %s (%s)\n", out.FFmpeg.Version, out.FFmpeg.Path)
		}
		return ffErr
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output version information as JSON")
	versionCmd.Flags().BoolVar(&versionFFmpeg, "ffmpeg", false, "also report the ffmpeg binary used for capture")
	rootCmd.AddCommand(versionCmd)
}

func detectFFmpeg(ctx context.Context) (*ffmpeg.VersionInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	path, err := ffmpeg.FindBinary("", "ffmpeg", ffmpeg.BinaryEnvVar)
	if err != nil {
		return nil, err
	}
	return ffmpeg.DetectVersion(ctx, path)
}
