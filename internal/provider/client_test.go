package provider

import (
	"strings"
	"testing"
	"time"
)

func TestValidFileID(t *testing.T) {
	tests := []struct {
		name   string
		fileID string
		want   bool
	}{
		{name: "типичный Drive ID", fileID: "1a2B3c4D5e6F7g8H9i0JkLmNoPqRsTuV", want: true},
		{name: "минимальная длина 10", fileID: "abcde12345", want: true},
		{name: "дефисы и подчёркивания", fileID: "abc-def_123-456_789", want: true},
		{name: "слишком короткий", fileID: "abc123", want: false},
		{name: "слишком длинный", fileID: strings.Repeat("a", 129), want: false},
		{name: "path traversal", fileID: "../../etc/passwd99", want: false},
		{name: "слэш", fileID: "abc/def12345678", want: false},
		{name: "разметка", fileID: "<script>alert(1)</script>", want: false},
		{name: "shell-метасимволы", fileID: "abc;rm -rf /1234", want: false},
		{name: "шаблонные метасимволы", fileID: "{{config}}12345", want: false},
		{name: "пробел", fileID: "abc def1234567890", want: false},
		{name: "пустая строка", fileID: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidFileID(tt.fileID); got != tt.want {
				t.Errorf("ValidFileID(%q) = %v, хотели %v", tt.fileID, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"120", 120 * time.Second},
		{"1", time.Second},
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"не число", 0},
		// HTTP-даты не поддерживаются — дефолт из таблицы классификации
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, хотели %v", tt.value, got, tt.want)
			}
		})
	}
}
