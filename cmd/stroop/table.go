package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/sequence"
)

var tableLanguage string

var tableCmd = &cobra.Command{
	Use:   "table <block-nr>",
	Short: "Print the classic reading table of a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockNr, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid block number %q", args[0])
		}
		language := tableLanguage
		if language == "" {
			language = cfg.Language
		}
		tc, err := config.LoadTask(cfg.TaskConfigDir, language)
		if err != nil {
			return err
		}
		return printTable(cmd.OutOrStdout(), tc, blockNr)
	},
}

func init() {
	tableCmd.Flags().StringVar(&tableLanguage, "language", "", "word table language (default $STROOP_LANGUAGE)")
}

func printTable(out io.Writer, tc config.TaskConfig, blockNr int) error {
	cells, err := sequence.ClassicTable(tc.General.ClassicalRows, tc.General.ClassicalCols, sequence.BlockSeed(blockNr), tc.WordNames())
	if err != nil {
		return err
	}
	colors := make(map[string]string, len(tc.Words))
	width := 0
	for _, w := range tc.Words {
		colors[w.Word] = w.Color.Hex()
		width = max(width, len([]rune(w.Word)))
	}

	var b strings.Builder
	for _, row := range cells {
		parts := make([]string, len(row))
		for i, cell := range row {
			parts[i] = lipgloss.NewStyle().
				Foreground(lipgloss.Color(colors[cell.Color])).
				Bold(true).
				Width(width + 2).
				Render(cell.Word)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
		b.WriteByte('\n')
	}
	_, err = io.WriteString(out, b.String())
	return err
}
