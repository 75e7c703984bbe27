package main

import (
	"time"

	"github.com/aeolun/supportline/pkg/protocol"
)

func firstTime(msgs []protocol.Message) string {
	if len(msgs) == 0 {
		return "today"
	}
	return time.UnixMilli(msgs[0].CreatedAt).Format("2006-01-02")
}
