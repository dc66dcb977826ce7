package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/replica"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Dump all local collections as one document",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		db := openReplica()
		defer db.Close()

		doc, err := buildExport(ctx, db, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		data, err := encodeExport(doc, format)
		if err != nil {
			fatalf("%v", err)
		}

		if output == "" || output == "-" {
			os.Stdout.Write(data)
			return
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			fatalf("failed to write %s: %v", output, err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d collections to %s\n", len(doc.Collections), output)
	},
}

type exportDoc struct {
	User        string                     `json:"user_id,omitempty"`
	DeviceID    string                     `json:"device_id"`
	ExportedAt  time.Time                  `json:"exported_at"`
	LastSync    time.Time                  `json:"last_sync"`
	Collections map[string]json.RawMessage `json:"collections"`
}

type yamlExport struct {
	User        string                 `yaml:"user_id,omitempty"`
	DeviceID    string                 `yaml:"device_id"`
	ExportedAt  time.Time              `yaml:"exported_at"`
	LastSync    time.Time              `yaml:"last_sync"`
	Collections map[string]interface{} `yaml:"collections"`
}

func buildExport(ctx context.Context, db *replica.DB, now time.Time) (*exportDoc, error) {
	id, err := device.NewProvider(db, nil, cfg.DeviceName).DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	user, _, err := db.GetMeta(ctx, replica.MetaUserID)
	if err != nil {
		return nil, err
	}
	lastSync, err := db.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	doc := &exportDoc{
		User:        user,
		DeviceID:    id.String(),
		ExportedAt:  now.UTC(),
		LastSync:    lastSync,
		Collections: make(map[string]json.RawMessage),
	}
	for _, key := range cfg.Sync.Collections {
		value, ok, err := db.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			doc.Collections[key] = json.RawMessage(value)
		}
	}
	return doc, nil
}

func encodeExport(doc *exportDoc, format string) ([]byte, error) {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil

	case "yaml", "yml":
		// Decode the raw JSON so YAML renders it as structure, not strings.
		collections := make(map[string]interface{}, len(doc.Collections))
		for key, raw := range doc.Collections {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("collection %s holds invalid JSON: %w", key, err)
			}
			collections[key] = v
		}
		out := yamlExport{
			User:        doc.User,
			DeviceID:    doc.DeviceID,
			ExportedAt:  doc.ExportedAt,
			LastSync:    doc.LastSync,
			Collections: collections,
		}

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown format %q (want json or yaml)", format)
}

func init() {
	exportCmd.Flags().String("format", "json", "Output format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	rootCmd.AddCommand(exportCmd)
}
