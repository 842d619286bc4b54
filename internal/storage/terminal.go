package storage

import (
	"context"
	"fmt"
	"io"
)

// Terminal is for displaying persisted data on terminal. Useful for
// local runs without a warehouse.
type Terminal struct {
	out io.Writer
}

var terminal Terminal

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where file will be set as output terminal.
func InitTerminal(out io.Writer) *Terminal {
	if terminal.out == nil {
		terminal = Terminal{
			out: out,
		}
	}
	return &terminal
}

// SaveTicks batch outputs tick data to terminal.
func (t *Terminal) SaveTicks(_ context.Context, data []Tick) error {
	for _, tick := range data {
		fmt.Fprintf(t.out, "%-15s%-15s%-15s%20f%20f%20s\n\n", "Tick", tick.Source, tick.Ticker, tick.Price, tick.Size, tick.EventTime.Local().Format(TerminalTimestamp))
	}
	return nil
}

// SaveBars batch outputs bar data to terminal.
func (t *Terminal) SaveBars(_ context.Context, data []Bar) error {
	for _, bar := range data {
		fmt.Fprintf(t.out, "%-15s%-15s%-5s%20f%20f%20s\n\n", "Bar", bar.Ticker, bar.Interval, bar.Close, bar.Volume, bar.Timestamp.Local().Format(TerminalTimestamp))
	}
	return nil
}
