package render

import (
	"testing"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/config"
)

func TestDimensionOverrides(t *testing.T) {
	cfg := config.Default().Render
	tc := NewToolchain(cfg)

	tests := []struct {
		name       string
		params     map[string]string
		wantWidth  int
		wantHeight int
		wantFPS    int
	}{
		{"defaults", nil, 640, 360, 25},
		{"explicit", map[string]string{"width": "320", "height": "240", "fps": "10"}, 320, 240, 10},
		{"over limit ignored", map[string]string{"width": "4000", "fps": "500"}, 640, 360, 25},
		{"garbage ignored", map[string]string{"width": "wide", "fps": "-3"}, 640, 360, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, _, fps := tc.dimensions(tt.params)
			if w != tt.wantWidth || h != tt.wantHeight || fps != tt.wantFPS {
				t.Errorf("dimensions = %dx%d@%d, want %dx%d@%d",
					w, h, fps, tt.wantWidth, tt.wantHeight, tt.wantFPS)
			}
		})
	}
}

func TestIsShaderError(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"ERROR: 0:12: 'foo' : syntax error", true},
		{"error: shader compilation failed", true},
		{"Error: failed to compile fragment shader", true},
		{"segmentation fault", false},
		{"cannot open display", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isShaderError(tt.stderr); got != tt.want {
			t.Errorf("isShaderError(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}
