package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat names an export encoding.
type ExportFormat string

const (
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// Export writes events to w in the given format.
func Export(w io.Writer, events []*Event, format ExportFormat) error {
	switch format {
	case ExportFormatNDJSON:
		return EncodeNDJSON(w, events)
	case ExportFormatCSV:
		return EncodeCSV(w, events)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// EncodeNDJSON writes one JSON object per line.
func EncodeNDJSON(w io.Writer, events []*Event) error {
	enc := json.NewEncoder(w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"ID", "Timestamp", "EventType", "Status", "TenantID", "ActorID",
	"ResourceType", "ResourceID", "RequestID", "IPAddress", "Method", "Path",
	"StatusCode", "Message", "ErrorMessage",
}

// EncodeCSV writes a header row followed by one row per event. Metadata is
// not exported.
func EncodeCSV(w io.Writer, events []*Event) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		statusCode := ""
		if e.StatusCode != 0 {
			statusCode = strconv.Itoa(e.StatusCode)
		}
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			string(e.EventType),
			string(e.Status),
			e.TenantID,
			e.ActorID,
			string(e.ResourceType),
			e.ResourceID,
			e.RequestID,
			e.IPAddress,
			e.Method,
			e.Path,
			statusCode,
			e.Message,
			e.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
