package queue

import "time"

func nowFmt() string { return time.Now().UTC().Format(time.RFC3339Nano) }
