package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateConversationID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"short", "c1", false},
		{"uuid", "0b8e3c9a-5f0e-4c59-a1b4-3f0c7e2d9a11", false},
		{"mixed case", "Conv_42", false},
		{"max length", strings.Repeat("x", 128), false},
		{"empty", "", true},
		{"dot splits the subject", "conv.1", true},
		{"wildcard", "conv*", true},
		{"tail wildcard", "conv>", true},
		{"space", "conv 1", true},
		{"too long", strings.Repeat("x", 129), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConversationID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConversationID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
