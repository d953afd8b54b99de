package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"/load", true},
		{"/load https://example.com", true},
		{"/load\thttps://example.com", true},
		{"/loadfoo https://example.com", false},
		{"/loader", false},
		{"/reload", false},
		{"load https://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, isCommand(tt.input, "/load"))
		})
	}
}
