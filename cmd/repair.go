package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nativeadapter "github.com/bnema/turnguard/internal/adapters/anthropic"
	"github.com/bnema/turnguard/internal/adapters/atomicfile"
	"github.com/bnema/turnguard/internal/domain"
)

func newRepairCmd(app *app) *cobra.Command {
	var inPath string
	var outPath string
	var native bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair tool_use/tool_result pairing in a saved transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd, inPath)
			if err != nil {
				return err
			}

			messages, err := nativeadapter.DecodeMessages(raw)
			if err != nil {
				return err
			}

			repaired, report := domain.RepairToolPairing(messages)
			writeRepairReport(cmd.ErrOrStderr(), report)

			var data []byte
			if native {
				data, err = nativeadapter.MarshalMessageParams(repaired)
			} else {
				data, err = json.MarshalIndent(repaired, "", "  ")
			}
			if err != nil {
				return fmt.Errorf("encode repaired transcript: %w", err)
			}
			data = append(data, '\n')

			if outPath == "" || outPath == "-" {
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			} else if err := atomicfile.Write(outPath, data, atomicfile.Options{Prefix: ".repair-", Mode: 0o644}); err != nil {
				return fmt.Errorf("write repaired transcript: %w", err)
			}

			if report.Unresolved {
				app.logger.Warn("tool pairing still invalid after repair", zap.Int("violations", len(report.Violations)))
				return fmt.Errorf("tool pairing still invalid after repair: %d violations", len(report.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inPath, "in", "", "Transcript JSON file, or - for stdin")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&native, "native", false, "Write Messages API params instead of the transcript form")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return data, nil
}

func writeRepairReport(w io.Writer, report domain.RepairReport) {
	if !report.Changed() {
		_, _ = fmt.Fprintln(w, "tool pairing valid; nothing to repair")
		return
	}
	_, _ = fmt.Fprintf(w,
		"repaired: inserted %d, relocated %d, reassigned %d, unknown %d, reordered %d, placeholders %d, removed %d tool_use / %d tool_result\n",
		report.InsertedMessages,
		report.Relocated,
		report.Reassigned,
		report.Unknown,
		report.Reordered,
		report.Placeholders,
		report.RemovedToolUses,
		report.RemovedToolResults,
	)
}
