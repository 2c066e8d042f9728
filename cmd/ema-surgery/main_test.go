package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		postOpSchema = "current"
		configPath = ""
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestPostOpCommandPrintsNote(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("postop:\n  personnel:\n    surgeon: Dr. Grey\n"), 0o644))

	out, err := runCommand(t, "postop", t.TempDir(), "--config", configFile, "--schema", "legacy")
	require.NoError(t, err)

	var body struct {
		PostOpNote struct {
			ProcedureInformation struct {
				Surgeon string `json:"surgeon"`
			} `json:"procedure_information"`
		} `json:"post_op_note"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, "Dr. Grey", body.PostOpNote.ProcedureInformation.Surgeon)
}

func TestPostOpCommandRejectsUnknownSchema(t *testing.T) {
	_, err := runCommand(t, "postop", t.TempDir(), "--schema", "draft")
	require.ErrorContains(t, err, "unknown post-op schema")
}

func TestPostOpCommandMissingFolder(t *testing.T) {
	_, err := runCommand(t, "postop", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

type recordingProcessor struct {
	sdklog.Processor
	emitted int
}

func (p *recordingProcessor) OnEmit(ctx context.Context, record *sdklog.Record) error {
	p.emitted++
	return nil
}

func TestSeverityFilter(t *testing.T) {
	next := &recordingProcessor{}
	filter := severityFilter{Processor: next, min: severity(slog.LevelWarn)}

	for _, s := range []log.Severity{log.SeverityDebug, log.SeverityInfo, log.SeverityWarn, log.SeverityError} {
		var record sdklog.Record
		record.SetSeverity(s)
		require.NoError(t, filter.OnEmit(context.Background(), &record))
	}
	require.Equal(t, 2, next.emitted)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel("unknown"))
}
