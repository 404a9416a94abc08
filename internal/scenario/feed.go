// Package scenario replays scripted order flow and market trades through
// the paper venue and the dispatcher.
package scenario

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Action is what a scenario row does.
type Action string

const (
	ActionOrder   Action = "order"   // Submit a new order
	ActionCancel  Action = "cancel"  // Cancel the order named by ref
	ActionReplace Action = "replace" // Replace the order named by ref at price
	ActionTrade   Action = "trade"   // Print a market trade
)

// Event is one scenario row.
type Event struct {
	Timestamp time.Time
	Action    Action
	Ref       string
	Ticker    string
	Side      types.Side
	Type      types.OrderType
	Qty       decimal.Decimal
	Price     decimal.Decimal
}

// Load reads a scenario CSV file.
func Load(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	events, err := ParseCSV(file)
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return events, nil
}

// ParseCSV parses scenario rows from a CSV reader.
// Format: timestamp,action,ref,ticker,side,type,qty,price
// A header row, blank lines and # comments are skipped. Any bad row fails
// the whole scenario.
func ParseCSV(r io.Reader) ([]Event, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	var events []Event
	lineNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		lineNum++

		// Skip header row
		if lineNum == 1 && isHeader(record) {
			continue
		}

		event, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}

	return events, nil
}

// parseRecord parses a single CSV record into an Event.
func parseRecord(record []string) (Event, error) {
	var event Event
	if len(record) < 8 {
		return event, fmt.Errorf("want 8 fields, got %d", len(record))
	}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return event, fmt.Errorf("parse timestamp: %w", err)
	}
	event.Timestamp = ts

	event.Action = Action(strings.ToLower(record[1]))
	event.Ref = record[2]
	event.Ticker = strings.ToUpper(record[3])

	switch event.Action {
	case ActionOrder:
		var ok bool
		if event.Side, ok = types.ParseSide(record[4]); !ok {
			return event, fmt.Errorf("unknown side %q", record[4])
		}
		if event.Type, ok = types.ParseOrderType(record[5]); !ok {
			return event, fmt.Errorf("unknown order type %q", record[5])
		}
		if event.Qty, err = parseDecimal("qty", record[6]); err != nil {
			return event, err
		}
		if event.Type == types.OrderTypeLimit || record[7] != "" {
			if event.Price, err = parseDecimal("price", record[7]); err != nil {
				return event, err
			}
		}
	case ActionCancel, ActionReplace:
		if event.Ref == "" {
			return event, fmt.Errorf("%s needs a ref", event.Action)
		}
		event.Type = types.OrderTypeLimit
		if record[5] != "" {
			var ok bool
			if event.Type, ok = types.ParseOrderType(record[5]); !ok {
				return event, fmt.Errorf("unknown order type %q", record[5])
			}
		}
		if event.Action == ActionReplace {
			if event.Price, err = parseDecimal("price", record[7]); err != nil {
				return event, err
			}
		}
	case ActionTrade:
		if event.Ticker == "" {
			return event, fmt.Errorf("trade needs a ticker")
		}
		if event.Qty, err = parseDecimal("qty", record[6]); err != nil {
			return event, err
		}
		if event.Price, err = parseDecimal("price", record[7]); err != nil {
			return event, err
		}
	default:
		return event, fmt.Errorf("unknown action %q", record[1])
	}

	return event, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// parseTimestamp tries multiple timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	// Try Unix timestamp first
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}

	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

// isHeader checks if a record looks like a header row.
func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	switch strings.ToLower(record[0]) {
	case "timestamp", "time", "ts":
		return true
	}
	return false
}
