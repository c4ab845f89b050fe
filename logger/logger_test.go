package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.Info("plan started", map[string]interface{}{"plan_id": "p-1"})
	l.Error("step failed", map[string]interface{}{"step_id": "s-1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "info", first["level"])
	require.Equal(t, "plan started", first["message"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "error", second["level"])
}

func TestWithComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	scoped := l.WithComponent("core/registry")
	scoped.Info("registered", nil)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "core/registry", rec["component"])
}
