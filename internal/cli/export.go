package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/store"
)

var (
	exportFormat string
	exportAPIKey string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export collected conversions",
	Long: `Export conversions received by the collector in CSV or JSON format.

Examples:
  agt export --format csv > conversions.csv
  agt export --format json --api-key abc123 > conversions.json`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	exportCmd.Flags().StringVar(&exportAPIKey, "api-key", "", "only this account (default: all)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum rows (0 for all)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		conversions, err := s.ListConversions(context.Background(), exportAPIKey, exportLimit)
		if err != nil {
			return fmt.Errorf("failed to get conversions: %w", err)
		}

		if exportFormat == "csv" {
			return exportCSV(cmd.OutOrStdout(), conversions)
		}
		return exportJSON(cmd.OutOrStdout(), conversions)
	})
}

func exportCSV(out io.Writer, conversions []*store.Conversion) error {
	w := csv.NewWriter(out)
	defer w.Flush()

	header := []string{"timestamp", "client_event_id", "api_key", "session_id", "visitor_id", "variation_id", "amount", "currency", "device", "url"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, c := range conversions {
		row := []string{
			strconv.FormatInt(c.ReceivedAt.Unix(), 10),
			c.ClientEventID,
			c.APIKey,
			c.SessionID,
			c.VisitorID,
			c.VariationID,
			strconv.FormatFloat(c.Amount, 'f', -1, 64),
			c.Currency,
			c.Device,
			c.URL,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return nil
}

type jsonExport struct {
	Conversions []jsonConversion `json:"conversions"`
}

type jsonConversion struct {
	Timestamp     int64           `json:"timestamp"`
	ClientEventID string          `json:"client_event_id"`
	APIKey        string          `json:"api_key"`
	SessionID     string          `json:"session_id,omitempty"`
	VisitorID     string          `json:"visitor_id,omitempty"`
	VariationID   string          `json:"variation_id,omitempty"`
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Event         json.RawMessage `json:"event,omitempty"`
}

func exportJSON(out io.Writer, conversions []*store.Conversion) error {
	export := jsonExport{
		Conversions: make([]jsonConversion, len(conversions)),
	}

	for i, c := range conversions {
		var raw json.RawMessage
		if json.Valid([]byte(c.Payload)) {
			raw = json.RawMessage(c.Payload)
		}
		export.Conversions[i] = jsonConversion{
			Timestamp:     c.ReceivedAt.Unix(),
			ClientEventID: c.ClientEventID,
			APIKey:        c.APIKey,
			SessionID:     c.SessionID,
			VisitorID:     c.VisitorID,
			VariationID:   c.VariationID,
			Amount:        c.Amount,
			Currency:      c.Currency,
			Event:         raw,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
