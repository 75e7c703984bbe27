package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"localhost:8080":            "http://localhost:8080",
		"http://localhost:8080/":    "http://localhost:8080",
		"https://support.example":   "https://support.example",
		"ws://localhost:8080/ws":    "http://localhost:8080",
		"wss://support.example/ws/": "https://support.example",
	}
	for in, want := range tests {
		assert.Equal(t, want, baseURL(in), in)
	}
}
