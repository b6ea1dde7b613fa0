package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "call", "speak", "hangup", "status", "calls", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestCallCommandRejectsBadMode(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"call", "+15551234567", "--mode", "shout", "--server", "127.0.0.1:1"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected invalid mode error")
	}
}

func TestResolveHTTPBaseURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"bare", "localhost:3334", "http://localhost:3334"},
		{"scheme", "https://calls.example.com/", "https://calls.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveHTTPBaseURL(nil, tt.addr)
			if err != nil {
				t.Fatalf("resolveHTTPBaseURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("resolveHTTPBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := resolveHTTPBaseURL(nil, ""); err == nil {
		t.Fatal("expected error without address or config")
	}
}
