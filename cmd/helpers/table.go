package helpers

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// walletdRendition renders tables Vault-CLI style: left-aligned columns
// separated by whitespace, no border or header line.
func walletdRendition() tw.Rendition {
	symbols := tw.NewSymbolCustom("Walletd").
		WithRow(" ").
		WithColumn(" ").
		WithTopLeft("").
		WithTopMid(" ").
		WithTopRight(" ").
		WithMidLeft(" ").
		WithCenter(" ").
		WithMidRight(" ").
		WithBottomLeft(" ").
		WithBottomMid(" ").
		WithBottomRight(" ")

	rd := tw.Rendition{Symbols: symbols}
	rd.Settings.Lines.ShowHeaderLine = tw.Off
	return rd
}

// FprintTable writes the rows as a formatted table to w.
func FprintTable(w io.Writer, headers []string, data [][]any) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cnf := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Row: tw.CellConfig{
			Merging:   tw.CellMerging{Mode: tw.MergeHierarchical},
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(walletdRendition())),
		tablewriter.WithConfig(cnf),
	)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)
	table.Bulk(data)
	table.Render()
}

// PrintTable writes the rows as a formatted table to stdout.
func PrintTable(headers []string, data [][]any) {
	FprintTable(os.Stdout, headers, data)
}

// PrintMapAsTable prints a map as a two-column Key/Value table, rows
// sorted by key.
func PrintMapAsTable(mapData map[string]any) {
	if len(mapData) == 0 {
		fmt.Println("No data to display")
		return
	}

	keys := make([]string, 0, len(mapData))
	for key := range mapData {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	data := make([][]any, 0, len(keys))
	for _, key := range keys {
		data = append(data, []any{key, mapData[key]})
	}
	PrintTable([]string{"Key", "Value"}, data)
}
