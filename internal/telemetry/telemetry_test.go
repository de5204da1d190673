// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabledIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "debugd",
		ExporterType: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestSessionAttributesSkipEmpty(t *testing.T) {
	attrs := SessionAttributes("s1", "", "abc123")
	require.Len(t, attrs, 2)
	assert.Equal(t, SessionIDKey, string(attrs[0].Key))
	assert.Equal(t, CommitSHAKey, string(attrs[1].Key))
}

func TestTunnelAttributesOmitToken(t *testing.T) {
	attrs := TunnelAttributes("debugpy", 45999)
	require.Len(t, attrs, 2)
	for _, kv := range attrs {
		assert.NotContains(t, kv.Value.Emit(), "dbg_")
	}
}
