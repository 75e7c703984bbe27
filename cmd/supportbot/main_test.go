package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/supportline/pkg/protocol"
)

func TestFirstTime(t *testing.T) {
	assert.Equal(t, "today", firstTime(nil))
	msgs := []protocol.Message{{CreatedAt: 1700000000000}}
	assert.Regexp(t, `^2023-11-1[45]$`, firstTime(msgs))
}
