package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/starwalkn/egress"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Show the prefix mapping table in match order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := egress.LoadConfig(resolveConfigPath())
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderMappings(cfg))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(mappingsCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Faint(true)
)

func renderMappings(cfg egress.Config) string {
	mappings := cfg.Proxy.MappingTable()

	rows := make([][]string, 0, mappings.Len())
	for i, m := range mappings.Mappings() {
		rows = append(rows, []string{strconv.Itoa(i + 1), m.Prefix, m.Target})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("#", "PREFIX", "TARGET").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}

			return cellStyle
		})

	footer := footerStyle.Render(fmt.Sprintf(
		"%d mapping(s), rate limit %d/s per prefix, breaker %d errors / %s latency / %s cooldown, %d redirect hops, store %s",
		mappings.Len(),
		cfg.Proxy.RateLimit.PerSecond,
		cfg.Proxy.CircuitBreaker.ErrorThreshold,
		cfg.Proxy.CircuitBreaker.LatencyThreshold,
		cfg.Proxy.CircuitBreaker.Cooldown,
		cfg.Proxy.Redirects.MaxHops,
		cfg.Store.Driver,
	))

	return lipgloss.JoinVertical(lipgloss.Left, t.Render(), footer)
}
