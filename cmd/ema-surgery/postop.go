package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/internal/config"
)

func runPostOp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	schema, err := postop.ParseSchema(postOpSchema)
	if err != nil {
		return err
	}

	input, err := postop.LoadProcedure(args[0])
	if err != nil {
		return err
	}

	note, err := newAggregator(cfg.PostOp).Aggregate(cmd.Context(), input, schema)
	if err != nil {
		return fmt.Errorf("failed to aggregate post-op note: %w", err)
	}

	data, err := json.MarshalIndent(map[string]postop.Note{"post_op_note": note}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode post-op note: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
