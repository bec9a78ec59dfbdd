// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// listConverters prints a table of the converters registered for family, or of all families if it is empty.
func listConverters(registry *convert.Registry, family string) {
	families := registry.Families()
	if family != "" {
		families = []string{family}
	}
	fmt.Println(titleStyle.Render("Converters"))
	table := newPlainTable(true)
	table.Row("Model", "Converter", "Formats", "Config")
	var count int
	for _, f := range families {
		for _, conv := range registry.List(f) {
			configName := "-"
			if conv.Config != nil {
				configName = conv.Config.Name
			}
			table.Row(f, conv.Name, fmt.Sprintf("%s <-> %s", conv.Formats.Left, conv.Formats.Right), configName)
			count++
		}
	}
	if count == 0 {
		klog.Errorf("No converters registered for model %q, known models: %v", family, registry.Families())
		return
	}
	fmt.Println(table.Render())
}
