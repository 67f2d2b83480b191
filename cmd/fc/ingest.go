package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowcanon/flowcanon"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/storage/factory"
)

var (
	ingestSystem  string
	ingestAdapter string
	ingestFile    string
	ingestDrain   bool
)

// ingestLine is one JSONL submission: the payload plus optional envelope
// overrides.
type ingestLine struct {
	SourceID      string         `json:"sourceId,omitempty"`
	System        string         `json:"system,omitempty"`
	Adapter       string         `json:"adapter,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt,omitempty"`
	PolicyVersion string         `json:"policyVersion,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Data          map[string]any `json:"data"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <model>",
	Short: "Read JSONL submissions from a file or stdin into a model's intake stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		modelName := args[0]

		store, err := factory.New(ctx, opts.StoreBackend, opts.StorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New()
		if opts.ManifestPath != "" {
			descriptors, err := registry.LoadManifest(opts.ManifestPath)
			if err != nil {
				return err
			}
			if err := reg.Replace(descriptors); err != nil {
				return err
			}
		}

		var in io.Reader = os.Stdin
		if ingestFile != "" {
			f, err := os.Open(ingestFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		pl := flowcanon.New(store, reg, opts)
		accepted := 0
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var sub ingestLine
			if err := json.Unmarshal(line, &sub); err != nil {
				return fmt.Errorf("ingest: line %d: %w", accepted+1, err)
			}
			system := sub.System
			if system == "" {
				system = ingestSystem
			}
			adapter := sub.Adapter
			if adapter == "" {
				adapter = ingestAdapter
			}
			if _, err := pl.Ingest(ctx, modelName, flowcanon.Submission{
				SourceID:      sub.SourceID,
				System:        system,
				Adapter:       adapter,
				OccurredAt:    sub.OccurredAt,
				PolicyVersion: sub.PolicyVersion,
				CorrelationID: sub.CorrelationID,
				Data:          sub.Data,
			}); err != nil {
				return err
			}
			accepted++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		fmt.Printf("accepted %d submissions into %s\n", accepted, modelName)

		if ingestDrain {
			return pl.Drain(ctx, time.Minute)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSystem, "system", "", "default source system for lines without one")
	ingestCmd.Flags().StringVar(&ingestAdapter, "adapter", "", "default adapter for lines without one")
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "read submissions from a file instead of stdin")
	ingestCmd.Flags().BoolVar(&ingestDrain, "drain", false, "run the workers until the pipeline is quiet")
}
