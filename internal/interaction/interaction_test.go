package interaction

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLineConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			got, err := Line{In: strings.NewReader(tt.input), Out: &out}.Confirm(context.Background(), "Proceed?")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !strings.Contains(out.String(), "Proceed?") {
				t.Errorf("prompt not written: %q", out.String())
			}
		})
	}
}

func TestFixed(t *testing.T) {
	if ok, _ := Fixed(true).Confirm(context.Background(), "?"); !ok {
		t.Error("Fixed(true) should confirm")
	}
	if ok, _ := Fixed(false).Confirm(context.Background(), "?"); ok {
		t.Error("Fixed(false) should decline")
	}
}
