package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		wantErr string
	}{
		{"pid with stdout", options{pid: 123, stdout: true}, ""},
		{"name with stdout", options{name: "app", stdout: true}, ""},
		{"duration ok", options{pid: 1, stdout: true, duration: time.Second}, ""},
		{"no target", options{stdout: true}, "either --pid or --name"},
		{"both targets", options{pid: 1, name: "app", stdout: true}, "mutually exclusive"},
		{"missing stdout", options{pid: 1}, "--stdout is required"},
		{"negative duration", options{pid: 1, stdout: true, duration: -time.Second}, "--duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
