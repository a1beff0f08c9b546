package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// Output renders command results as tables, colored lines or JSON.
type Output struct {
	writer   io.Writer
	jsonMode bool
	green    *color.Color
	red      *color.Color
	yellow   *color.Color
	bold     *color.Color
}

// NewOutput reads the --json and --no-color flags of cmd.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")
	o := &Output{
		writer:   cmd.OutOrStdout(),
		jsonMode: jsonMode,
		green:    color.New(color.FgGreen),
		red:      color.New(color.FgRed),
		yellow:   color.New(color.FgYellow),
		bold:     color.New(color.Bold),
	}
	if noColor || jsonMode {
		for _, c := range []*color.Color{o.green, o.red, o.yellow, o.bold} {
			c.DisableColor()
		}
	}
	return o
}

func (o *Output) IsJSON() bool { return o.jsonMode }

// JSON writes v indented.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Success(format string, args ...any) {
	o.green.Fprintf(o.writer, format+"\n", args...)
}

func (o *Output) Warning(format string, args ...any) {
	o.yellow.Fprintf(o.writer, format+"\n", args...)
}

func (o *Output) Error(format string, args ...any) {
	o.red.Fprintf(o.writer, format+"\n", args...)
}

func (o *Output) Bold(format string, args ...any) {
	o.bold.Fprintf(o.writer, format+"\n", args...)
}

// Signed colors a signed amount green or red.
func (o *Output) Signed(v int64) string {
	switch {
	case v > 0:
		return o.green.Sprintf("+%d", v)
	case v < 0:
		return o.red.Sprintf("%d", v)
	}
	return "0"
}

// Table renders rows under header.
func (o *Output) Table(header []string, rows [][]string) {
	t := tablewriter.NewWriter(o.writer)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(true)
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	t.SetBorder(false)
	t.AppendBulk(rows)
	t.Render()
}

// KeyValues renders a two-column table.
func (o *Output) KeyValues(pairs [][2]string) {
	rows := make([][]string, len(pairs))
	for i, p := range pairs {
		rows[i] = []string{p[0], p[1]}
	}
	t := tablewriter.NewWriter(o.writer)
	t.SetBorder(false)
	t.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	t.AppendBulk(rows)
	t.Render()
}

// FormatQuote renders base units of the six-decimal quote currency.
func FormatQuote(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -6).StringFixed(6)
}

// FormatVol renders an annualized volatility as a percentage.
func FormatVol(v float64) string {
	return decimal.NewFromFloat(v).Shift(2).StringFixed(2) + "%"
}
