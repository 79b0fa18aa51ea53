package main

import (
	"testing"

	"github.com/steveyegge/orchestrate/internal/config"
	"github.com/steveyegge/orchestrate/internal/merge"
	"github.com/stretchr/testify/assert"
)

func TestMergeMode(t *testing.T) {
	tests := []struct {
		name       string
		auto, skip bool
		want       merge.Mode
	}{
		{"default notifies", false, false, merge.ModeNotify},
		{"auto", true, false, merge.ModeAuto},
		{"skip", false, true, merge.ModeSkip},
		{"skip wins over auto", true, true, merge.ModeSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Run.AutoMerge = tt.auto
			cfg.Run.SkipMerge = tt.skip
			assert.Equal(t, tt.want, mergeMode(cfg))
		})
	}
}
