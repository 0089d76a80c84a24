package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/switchboard/internal/server"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config error", &configError{err: errors.New("bad yaml")}, 2},
		{"wrapped config error", fmt.Errorf("serve: %w", &configError{err: errors.New("x")}), 2},
		{"bind error", &server.BindError{Addr: ":80", Err: errors.New("in use")}, 3},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "status": false, "validate": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}
